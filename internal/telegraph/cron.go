package telegraph

import (
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// cronParser uses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// nextCronDuration parses a 5-field cron expression and returns the duration
// until the next fire time. Returns 0 on parse error.
func nextCronDuration(expr string) time.Duration {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0
	}
	next := sched.Next(time.Now())
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	return d
}

// startSweeper schedules the flow-state sweep on the configured cron
// expression and starts the scheduler.
func (d *Daemon) startSweeper() (*cron.Cron, error) {
	expr := d.cfg.Sweeper.Cron
	c := cron.New(cron.WithParser(cronParser))
	if _, err := c.AddFunc(expr, func() { d.sweep(time.Now()) }); err != nil {
		return nil, fmt.Errorf("telegraph: sweeper schedule %q: %w", expr, err)
	}
	c.Start()
	fmt.Fprintf(d.out, "telegraph: sweeper scheduled %q (next in %s)\n", expr, nextCronDuration(expr).Round(time.Second))
	return c, nil
}

// sweep expires authorization attempts older than the configured TTL and
// returns how many were cleared.
func (d *Daemon) sweep(now time.Time) int {
	ttl := time.Duration(d.cfg.Sweeper.FlowStateTTLM) * time.Minute
	n, err := d.store.ExpireFlowStates(now.Add(-ttl), d.locks)
	if err != nil {
		log.Printf("telegraph: sweeper: %v", err)
	}
	if n > 0 {
		fmt.Fprintf(d.out, "telegraph: sweeper: expired %d authorization attempt(s)\n", n)
	}
	return n
}
