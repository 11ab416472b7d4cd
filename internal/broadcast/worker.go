package broadcast

import (
	"context"
	"sync"

	kit "gatebot/internal/transport"
	logx "gatebot/pkg/logx"

	"golang.org/x/time/rate"
)

type passResult struct {
	sent    int
	failed  int
	blocked []int64
}

// pass sends text to every id on a bounded worker pool. One recipient's
// failure never stops the others.
func (e *Engine) pass(ctx context.Context, log logx.Logger, cfg Config, lim *rate.Limiter, ids []int64, text string) passResult {
	workers := cfg.Workers
	if workers > len(ids) {
		workers = len(ids)
	}

	jobs := make(chan int64)
	var (
		mu  sync.Mutex
		res passResult
		wg  sync.WaitGroup
	)
	opt := &kit.SendOptions{ParseMode: "HTML"}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range jobs {
				err := e.sendOne(ctx, cfg, lim, id, text, opt)
				mu.Lock()
				switch {
				case err == nil:
					res.sent++
					log.Debug("broadcast sent", logx.Int64("user_id", id))
				case kit.IsBlocked(err):
					res.failed++
					res.blocked = append(res.blocked, id)
					log.Warn("recipient blocked the bot", logx.Int64("user_id", id))
				default:
					res.failed++
					log.Error("broadcast send failed", logx.Int64("user_id", id), logx.Err(err))
				}
				mu.Unlock()
			}
		}()
	}

	for _, id := range ids {
		jobs <- id
	}
	close(jobs)
	wg.Wait()
	return res
}

func (e *Engine) sendOne(ctx context.Context, cfg Config, lim *rate.Limiter, id int64, text string, opt *kit.SendOptions) error {
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	defer cancel()
	_, err := e.out.SendText(callCtx, kit.ChatTarget{ChatID: id}, text, opt)
	return err
}
