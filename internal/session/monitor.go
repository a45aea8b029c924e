package session

import (
	"log"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"github.com/pkg/errors"
)

// Monitor lets operators watch a capture live over WebRTC while it records.
// The pipeline tees every produced chunk into the session's local track; the
// persisted artifact is unaffected by whether anyone is watching.
type Monitor struct {
	api    *webrtc.API
	mu     sync.RWMutex
	peers  map[string]*webrtc.PeerConnection
	tracks map[string]*webrtc.TrackLocalStaticSample
}

func NewMonitor() (*Monitor, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	return &Monitor{
		api:    api,
		peers:  make(map[string]*webrtc.PeerConnection),
		tracks: make(map[string]*webrtc.TrackLocalStaticSample),
	}, nil
}

// Attach creates the live track for a session that just started recording.
func (m *Monitor) Attach(sessionID string) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeH264},
		"video",
		"capture-"+sessionID,
	)
	if err != nil {
		log.Printf("Monitor: failed to create track for session %s: %v", sessionID, err)
		return
	}

	m.mu.Lock()
	m.tracks[sessionID] = track
	m.mu.Unlock()
}

// WriteChunk forwards a produced chunk to the session's live track.
// Dropping a sample only affects viewers, never the recording.
func (m *Monitor) WriteChunk(sessionID string, data []byte) {
	m.mu.RLock()
	track := m.tracks[sessionID]
	m.mu.RUnlock()

	if track == nil {
		return
	}
	if err := track.WriteSample(media.Sample{Data: data, Duration: time.Second}); err != nil {
		log.Printf("Monitor: failed to write sample for session %s: %v", sessionID, err)
	}
}

// Detach removes the session's live track once the capture finishes.
func (m *Monitor) Detach(sessionID string) {
	m.mu.Lock()
	delete(m.tracks, sessionID)
	m.mu.Unlock()
}

// HandleOffer processes an SDP offer from a viewer and returns an answer
// wired to the session's live track.
func (m *Monitor) HandleOffer(offer webrtc.SessionDescription, viewerID, sessionID string) (*webrtc.SessionDescription, error) {
	m.mu.RLock()
	track := m.tracks[sessionID]
	m.mu.RUnlock()
	if track == nil {
		return nil, errors.New("session is not currently recording")
	}

	peerConnection, err := m.api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		log.Printf("Monitor: failed to create PeerConnection: %v", err)
		return nil, err
	}
	m.addPeer(viewerID, peerConnection)

	if _, err := peerConnection.AddTrack(track); err != nil {
		return nil, err
	}
	if err := peerConnection.SetRemoteDescription(offer); err != nil {
		return nil, err
	}

	answer, err := peerConnection.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := peerConnection.SetLocalDescription(answer); err != nil {
		return nil, err
	}

	log.Printf("Monitor: PeerConnection created for viewer %s, attached to session %s", viewerID, sessionID)
	return &answer, nil
}

// HandleICECandidate adds a new ICE candidate from a viewer.
func (m *Monitor) HandleICECandidate(candidate webrtc.ICECandidateInit, viewerID string) error {
	m.mu.RLock()
	pc, exists := m.peers[viewerID]
	m.mu.RUnlock()

	if !exists {
		return nil
	}
	return pc.AddICECandidate(candidate)
}

func (m *Monitor) addPeer(viewerID string, pc *webrtc.PeerConnection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[viewerID] = pc
}

// ClosePeer closes and removes a viewer's peer connection.
func (m *Monitor) ClosePeer(viewerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pc, exists := m.peers[viewerID]; exists {
		pc.Close()
		delete(m.peers, viewerID)
		log.Printf("Monitor: closed PeerConnection for viewer %s", viewerID)
	}
}
