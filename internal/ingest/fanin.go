package ingest

import "sync"

// Merge fans several source channels into one. The merged channel
// closes once every source closes or stop is called; stop also
// unblocks forwarders stuck on a consumer that went away, so teardown
// cannot hang on a full buffer. Sources are not closed by stop.
func Merge(channels ...<-chan LogLine) (<-chan LogLine, func()) {
	merged := make(chan LogLine, 64)
	done := make(chan struct{})

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(ch <-chan LogLine) {
			defer wg.Done()
			for {
				select {
				case line, ok := <-ch:
					if !ok {
						return
					}
					select {
					case merged <- line:
					case <-done:
						return
					}
				case <-done:
					return
				}
			}
		}(ch)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	var once sync.Once
	stop := func() { once.Do(func() { close(done) }) }
	return merged, stop
}
