package audio

// Drain reads from ch until it is closed, discarding all values. Use it when
// abandoning a provider's output channel so the producing goroutine can exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
