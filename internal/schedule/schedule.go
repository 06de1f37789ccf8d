package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/go-co-op/gocron"
	"github.com/sirupsen/logrus"
)

// Run calls job immediately and then every interval until ctx is done. A
// run that is still in progress when the next one is due is not overlapped;
// the next run starts after it finishes.
func Run(ctx context.Context, interval time.Duration, log logrus.FieldLogger, job func(context.Context)) error {
	if interval <= 0 {
		return errors.New("schedule interval must be positive")
	}

	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(interval).SingletonMode().Do(func() {
		if ctx.Err() != nil {
			return
		}
		job(ctx)
	})
	if err != nil {
		return err
	}

	log.WithField("every", interval.String()).Info("scheduler started")
	s.StartAsync()
	<-ctx.Done()
	s.Stop()
	log.Info("scheduler stopped")
	return nil
}
