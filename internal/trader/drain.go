package trader

import (
	"github.com/perpkit/perpbot/internal/observ"
	"github.com/perpkit/perpbot/internal/stream"
)

// DrainFreshest returns the received candle plus whatever the stream buffered
// behind it, collapsed to the newest closed candle per symbol. Candles are
// consumed on a single goroutine, so a slow cycle leaves a backlog in the
// stream buffer; replaying every stale close would trade on old prices. Open
// updates pass through untouched since they only refresh the price view.
func DrainFreshest(first stream.Candle, pending <-chan stream.Candle) []stream.Candle {
	var out []stream.Candle
	closedAt := make(map[string]int)

	add := func(c stream.Candle) {
		if !c.Closed {
			out = append(out, c)
			return
		}
		if i, seen := closedAt[c.Symbol]; seen {
			if c.CloseTime.After(out[i].CloseTime) {
				observ.IncCounter("candles_superseded_total", map[string]string{"symbol": c.Symbol})
				out[i] = c
			}
			return
		}
		closedAt[c.Symbol] = len(out)
		out = append(out, c)
	}

	add(first)
	for {
		select {
		case c, ok := <-pending:
			if !ok {
				return out
			}
			add(c)
		default:
			return out
		}
	}
}
