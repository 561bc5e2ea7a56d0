package typing

import (
	"sync"
	"time"
)

// Sender delivers one "typing" signal to a chat.
type Sender interface {
	SendTyping(chatID int64) error
}

// Indicator repeatedly signals "typing" to a chat from a background
// goroutine until stopped. It owns no state beyond its stop channel; a send
// failure ends the loop early, which only costs the visual cue.
type Indicator struct {
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Start signals immediately, then again every interval until Stop is called.
func Start(sender Sender, chatID int64, interval time.Duration) *Indicator {
	ind := &Indicator{
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	go func() {
		defer close(ind.done)

		if err := sender.SendTyping(chatID); err != nil {
			return
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ind.stop:
				return
			case <-ticker.C:
				if err := sender.SendTyping(chatID); err != nil {
					return
				}
			}
		}
	}()

	return ind
}

// Stop cancels the indicator and waits for its goroutine to exit. Safe to
// call more than once.
func (i *Indicator) Stop() {
	i.stopOnce.Do(func() {
		close(i.stop)
	})
	<-i.done
}
