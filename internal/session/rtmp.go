package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/yutopp/go-flv"
	flvtag "github.com/yutopp/go-flv/tag"
	"github.com/yutopp/go-rtmp"
	"github.com/yutopp/go-rtmp/message"
)

// RTMPIngest accepts publisher connections and routes them to the capture
// source registered under the published capture key. One publisher per
// session.
type RTMPIngest struct {
	port          string
	chunkInterval time.Duration
	server        *rtmp.Server

	mu      sync.Mutex
	sources map[string]*rtmpSource
}

func NewRTMPIngest(port string, chunkInterval time.Duration) *RTMPIngest {
	return &RTMPIngest{
		port:          port,
		chunkInterval: chunkInterval,
		sources:       make(map[string]*rtmpSource),
	}
}

// OpenSource registers a capture source under a key. The publisher must
// publish with that key as the stream name.
func (s *RTMPIngest) OpenSource(captureKey string) CaptureSource {
	src := &rtmpSource{
		key:      captureKey,
		ingest:   s,
		interval: s.chunkInterval,
	}
	s.mu.Lock()
	s.sources[captureKey] = src
	s.mu.Unlock()
	return src
}

// Release forgets a capture key so stray publishers can no longer bind it.
func (s *RTMPIngest) Release(captureKey string) {
	s.mu.Lock()
	delete(s.sources, captureKey)
	s.mu.Unlock()
}

func (s *RTMPIngest) lookup(captureKey string) *rtmpSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sources[captureKey]
}

// Serve starts the RTMP listener and blocks until closed.
func (s *RTMPIngest) Serve() error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%s", s.port))
	if err != nil {
		return err
	}

	config := &rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			handler := &ingestHandler{
				ingest: s,
				conn:   conn,
			}
			return conn, &rtmp.ConnConfig{
				Handler: handler,
			}
		},
	}
	s.server = rtmp.NewServer(config)

	log.Printf("RTMP: ingest listening on %s", listener.Addr())
	return s.server.Serve(listener)
}

func (s *RTMPIngest) Close() error {
	if s.server != nil {
		return s.server.Close()
	}
	return nil
}

// rtmpSource adapts one publisher connection into a CaptureSource. Incoming
// tags are re-encoded as FLV into the current chunk buffer; the buffer is
// cut on the chunk interval at tag boundaries, so the concatenation of all
// chunks is one well-formed FLV stream.
type rtmpSource struct {
	key      string
	ingest   *RTMPIngest
	interval time.Duration

	mu      sync.Mutex
	sink    CaptureSink
	active  bool
	stopped bool
	buf     bytes.Buffer
	enc     *flv.Encoder
	lastCut time.Time
}

func (s *rtmpSource) ContentType() string {
	return "video/x-flv"
}

func (s *rtmpSource) Start(ctx context.Context, sink CaptureSink) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return errors.New("rtmp: capture source already stopped")
	}
	s.sink = sink
	s.active = true
	return nil
}

// Stop flushes the remaining buffer as a final chunk and deregisters the
// capture key.
func (s *rtmpSource) Stop() error {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	s.active = false
	s.stopped = true
	var final []byte
	if s.buf.Len() > 0 {
		final = append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
	}
	s.enc = nil
	sink := s.sink
	s.mu.Unlock()

	s.ingest.Release(s.key)
	if len(final) > 0 && sink != nil {
		sink.Chunk(final, time.Now())
	}
	return nil
}

func (s *rtmpSource) writeTag(tag *flvtag.FlvTag) error {
	now := time.Now()

	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return nil
	}
	if s.enc == nil {
		enc, err := flv.NewEncoder(&s.buf, flv.FlagsAudio|flv.FlagsVideo)
		if err != nil {
			s.mu.Unlock()
			return err
		}
		s.enc = enc
		s.lastCut = now
	}
	if err := s.enc.Encode(tag); err != nil {
		s.mu.Unlock()
		return err
	}

	var cut []byte
	var sink CaptureSink
	if now.Sub(s.lastCut) >= s.interval && s.buf.Len() > 0 {
		cut = append([]byte(nil), s.buf.Bytes()...)
		s.buf.Reset()
		s.lastCut = now
		sink = s.sink
	}
	s.mu.Unlock()

	if sink != nil {
		sink.Chunk(cut, now)
	}
	return nil
}

// publisherGone reports a mid-capture failure when the publisher drops
// before Stop. A disconnect after Stop is a normal teardown.
func (s *rtmpSource) publisherGone() {
	s.mu.Lock()
	if !s.active || s.stopped {
		s.mu.Unlock()
		return
	}
	sink := s.sink
	s.mu.Unlock()

	if sink != nil {
		sink.Fail(errors.Wrap(ErrCaptureUnavailable, "rtmp publisher disconnected"))
	}
}

type ingestHandler struct {
	rtmp.DefaultHandler
	ingest *RTMPIngest
	conn   net.Conn
	source *rtmpSource
}

func (h *ingestHandler) OnPublish(ctx *rtmp.StreamContext, timestamp uint32, cmd *message.NetStreamPublish) error {
	captureKey := cmd.PublishingName
	log.Printf("RTMP: publish request for capture key: %s", captureKey)

	if captureKey == "" {
		return errors.New("rtmp: publishing name is required")
	}

	source := h.ingest.lookup(captureKey)
	if source == nil {
		return errors.New("rtmp: unknown or inactive capture key")
	}

	h.source = source
	return nil
}

func (h *ingestHandler) OnSetDataFrame(timestamp uint32, data *message.NetStreamSetDataFrame) error {
	if h.source == nil {
		return nil
	}

	var script flvtag.ScriptData
	if err := flvtag.DecodeScriptData(bytes.NewReader(data.Payload), &script); err != nil {
		log.Printf("RTMP: failed to decode script data: %v", err)
		return nil
	}

	return h.source.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeScriptData,
		Timestamp: timestamp,
		Data:      &script,
	})
}

func (h *ingestHandler) OnAudio(timestamp uint32, payload io.Reader) error {
	if h.source == nil {
		return nil
	}

	var audio flvtag.AudioData
	if err := flvtag.DecodeAudioData(payload, &audio); err != nil {
		return err
	}

	data := new(bytes.Buffer)
	if _, err := io.Copy(data, audio.Data); err != nil {
		return err
	}
	audio.Data = data

	return h.source.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeAudio,
		Timestamp: timestamp,
		Data:      &audio,
	})
}

func (h *ingestHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if h.source == nil {
		return nil
	}

	var video flvtag.VideoData
	if err := flvtag.DecodeVideoData(payload, &video); err != nil {
		return err
	}

	data := new(bytes.Buffer)
	if _, err := io.Copy(data, video.Data); err != nil {
		return err
	}
	video.Data = data

	return h.source.writeTag(&flvtag.FlvTag{
		TagType:   flvtag.TagTypeVideo,
		Timestamp: timestamp,
		Data:      &video,
	})
}

func (h *ingestHandler) OnClose() {
	log.Printf("RTMP: connection closed from %s", h.conn.RemoteAddr().String())

	if h.source != nil {
		h.source.publisherGone()
		h.source = nil
	}
}
