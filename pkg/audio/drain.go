package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use it on event or audio channels that are being abandoned so the producing
// goroutine can run to completion.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
