package session

import (
	"bytes"
	"context"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// CaptureSink receives chunks and failure reports from a CaptureSource.
// The MediaPipeline is the only implementation used at runtime.
type CaptureSink interface {
	// Chunk hands over one ordered binary fragment of the stream.
	Chunk(data []byte, at time.Time)
	// Fail reports that the source became unusable mid-capture. Chunks
	// already delivered stay valid.
	Fail(err error)
}

// CaptureSource is a live media source handle supplied by the hosting
// environment (RTMP ingest in production, scripted sources in tests).
type CaptureSource interface {
	// Start binds the source to a sink. Chunks may begin flowing before
	// Start returns.
	Start(ctx context.Context, sink CaptureSink) error
	// Stop flushes any buffered data as a final chunk via the sink and
	// stops production. It must be safe to call after a failure.
	Stop() error
	ContentType() string
}

// MediaPipeline accumulates the ordered chunk sequence for one session and
// assembles the finished artifact on finalize. Chunks are held in memory;
// maxBuffered caps the total and trips a capture failure when exceeded.
type MediaPipeline struct {
	mu          sync.Mutex
	source      CaptureSource
	chunks      [][]byte
	buffered    int64
	maxBuffered int64
	active      bool
	failed      bool
	onFailure   func(err error)
	tee         func(data []byte, at time.Time)
}

func newMediaPipeline(source CaptureSource, maxBuffered int64, onFailure func(error)) *MediaPipeline {
	return &MediaPipeline{
		source:      source,
		maxBuffered: maxBuffered,
		onFailure:   onFailure,
	}
}

// setTee registers an optional observer for produced chunks (live monitor).
// Must be called before Start.
func (p *MediaPipeline) setTee(tee func(data []byte, at time.Time)) {
	p.tee = tee
}

func (p *MediaPipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	p.active = true
	p.mu.Unlock()

	if err := p.source.Start(ctx, p); err != nil {
		p.mu.Lock()
		p.active = false
		p.mu.Unlock()
		return errors.Wrap(ErrCaptureUnavailable, err.Error())
	}
	return nil
}

// Chunk implements CaptureSink. Sources deliver sequentially, so append
// order is production order.
func (p *MediaPipeline) Chunk(data []byte, at time.Time) {
	if len(data) == 0 {
		return
	}

	p.mu.Lock()
	if !p.active || p.failed {
		p.mu.Unlock()
		return
	}
	if p.maxBuffered > 0 && p.buffered+int64(len(data)) > p.maxBuffered {
		p.mu.Unlock()
		p.Fail(errors.Wrapf(ErrCaptureUnavailable, "chunk buffer cap of %d bytes exceeded", p.maxBuffered))
		return
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	p.chunks = append(p.chunks, owned)
	p.buffered += int64(len(owned))
	tee := p.tee
	p.mu.Unlock()

	if tee != nil {
		tee(owned, at)
	}
}

// Fail implements CaptureSink. Only the first report counts; chunks already
// produced remain part of finalization.
func (p *MediaPipeline) Fail(err error) {
	p.mu.Lock()
	if p.failed || !p.active {
		p.mu.Unlock()
		return
	}
	p.failed = true
	p.mu.Unlock()

	log.Printf("Pipeline: capture source failed: %v", err)
	if p.onFailure != nil {
		p.onFailure(err)
	}
}

// Finalize stops the source, waits for its final flush, and returns the
// concatenated artifact. Accumulated chunks are returned even when the
// source failed mid-capture; err reports the stop failure, if any.
func (p *MediaPipeline) Finalize() (data []byte, contentType string, chunkCount int, err error) {
	// Stop outside the lock: the source's final flush re-enters Chunk.
	stopErr := p.source.Stop()

	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = false

	chunkCount = len(p.chunks)
	var buf bytes.Buffer
	buf.Grow(int(p.buffered))
	for _, c := range p.chunks {
		buf.Write(c)
	}
	p.chunks = nil
	p.buffered = 0

	if stopErr != nil {
		err = errors.Wrap(ErrCaptureUnavailable, stopErr.Error())
	}
	return buf.Bytes(), p.source.ContentType(), chunkCount, err
}

// Failed reports whether the source died mid-capture.
func (p *MediaPipeline) Failed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failed
}
