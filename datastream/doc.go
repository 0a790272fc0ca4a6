// Package datastream moves fixed-shape sensor frames from one producer
// process to any number of independent reader processes through a named
// shared-memory ring.
//
// A stream is created once by its producer:
//
//	p, err := datastream.Create("camera", datastream.Float32, []int{480, 640}, 16)
//	f, _ := p.RequestNewFrame()
//	fill(f.Data)
//	err = p.SubmitFrame(f.ID)
//
// and attached by readers, each with a private cursor and its own
// BufferHandlingMode:
//
//	c, err := datastream.Open("camera", datastream.WithMode(datastream.NewestOnly))
//	f, err := c.GetNextFrame(ctx)
//
// Frame ids start at 0 and increase by one per submit. Id n lives in slot
// n mod SlotCount. The producer never waits for readers: a reader that falls
// more than SlotCount frames behind loses the overwritten frames, and in
// OldestFirstOverwrite mode the loss is reported through Frame.Skipped.
//
// The Producer and each Consumer are owned by a single goroutine; separate
// goroutines or processes use separate handles.
package datastream
