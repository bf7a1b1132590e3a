package media

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/transport/v4"
	"github.com/pion/webrtc/v4"

	"github.com/wilsonzlin/aero/proxy/webrtc-call-signal/internal/config"
)

type PionConfig struct {
	Network                    NetworkSettings
	SCTPMaxReceiveBufferBytes  int
	DataChannelMaxMessageBytes int
	// Net replaces the host network stack (vnet in tests).
	Net    transport.Net
	Logger *slog.Logger
}

// PionConfigFromConfig maps client config onto engine settings.
func PionConfigFromConfig(cfg config.Config, logger *slog.Logger) PionConfig {
	return PionConfig{
		Network:                    NetworkSettingsFromConfig(cfg),
		SCTPMaxReceiveBufferBytes:  cfg.WebRTCSCTPMaxReceiveBufferBytes,
		DataChannelMaxMessageBytes: cfg.DataChannelMaxMessageBytes,
		Logger:                     logger,
	}
}

// PionFactory creates pion PeerConnections sharing one API.
type PionFactory struct {
	api             *webrtc.API
	maxMessageBytes int
}

var _ Factory = (*PionFactory)(nil)

func NewPionFactory(cfg PionConfig) (*PionFactory, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	se := webrtc.SettingEngine{}
	se.LoggerFactory = NewSlogLoggerFactory(logger.With("component", "pion"))
	if err := ApplyNetworkSettings(&se, cfg.Network); err != nil {
		return nil, err
	}
	if cfg.SCTPMaxReceiveBufferBytes > 0 {
		se.SetSCTPMaxReceiveBufferSize(uint32(cfg.SCTPMaxReceiveBufferBytes))
	}
	if cfg.Net != nil {
		se.SetNet(cfg.Net)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(se),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
	)
	return &PionFactory{
		api:             api,
		maxMessageBytes: cfg.DataChannelMaxMessageBytes,
	}, nil
}

func (f *PionFactory) NewEngine(opts Options, h Handlers) (Engine, error) {
	pc, err := f.api.NewPeerConnection(webrtc.Configuration{ICEServers: opts.ICEServers})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	recvOnly := webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}
	if opts.Audio {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, recvOnly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}
	}
	if opts.Video {
		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, recvOnly); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add video transceiver: %w", err)
		}
	}

	e := &pionEngine{pc: pc, h: h, maxMessageBytes: f.maxMessageBytes}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			if h.OnGatheringComplete != nil {
				h.OnGatheringComplete()
			}
			return
		}
		if h.OnCandidate != nil {
			h.OnCandidate(c.ToJSON())
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if h.OnConnectionState != nil {
			h.OnConnectionState(connectionState(s))
		}
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		w := &pionDataChannel{dc: dc, maxMessageBytes: e.maxMessageBytes}
		if h.OnDataChannel != nil {
			h.OnDataChannel(w)
		}
		e.watch(w)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		if h.OnTrack != nil {
			h.OnTrack(track.Kind().String())
		}
	})
	return e, nil
}

func connectionState(s webrtc.PeerConnectionState) ConnectionState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return StateConnecting
	case webrtc.PeerConnectionStateConnected:
		return StateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return StateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return StateFailed
	case webrtc.PeerConnectionStateClosed:
		return StateClosed
	default:
		return StateNew
	}
}

type pionEngine struct {
	pc              *webrtc.PeerConnection
	h               Handlers
	maxMessageBytes int
	closeOnce       sync.Once
}

func (e *pionEngine) CreateOffer() (webrtc.SessionDescription, error) {
	return e.pc.CreateOffer(nil)
}

func (e *pionEngine) CreateAnswer() (webrtc.SessionDescription, error) {
	return e.pc.CreateAnswer(nil)
}

func (e *pionEngine) SetLocalDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetLocalDescription(desc)
}

func (e *pionEngine) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return e.pc.SetRemoteDescription(desc)
}

func (e *pionEngine) HasLocalDescription() bool {
	return e.pc.LocalDescription() != nil
}

func (e *pionEngine) HasRemoteDescription() bool {
	return e.pc.RemoteDescription() != nil
}

func (e *pionEngine) AddICECandidate(c webrtc.ICECandidateInit) error {
	return e.pc.AddICECandidate(c)
}

func (e *pionEngine) CreateDataChannel(label string) (DataChannel, error) {
	ordered := true
	dc, err := e.pc.CreateDataChannel(label, &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return nil, err
	}
	w := &pionDataChannel{dc: dc, maxMessageBytes: e.maxMessageBytes}
	e.watch(w)
	return w, nil
}

func (e *pionEngine) watch(w *pionDataChannel) {
	h := e.h
	w.dc.OnOpen(func() {
		if h.OnDataChannelOpen != nil {
			h.OnDataChannelOpen(w)
		}
	})
	w.dc.OnClose(func() {
		if h.OnDataChannelClose != nil {
			h.OnDataChannelClose(w)
		}
	})
	w.dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		if h.OnDataChannelMessage == nil {
			return
		}
		if w.maxMessageBytes > 0 && len(msg.Data) > w.maxMessageBytes {
			return
		}
		// Copy because pion reuses internal buffers.
		data := append([]byte(nil), msg.Data...)
		h.OnDataChannelMessage(w, data, msg.IsString)
	})
}

func (e *pionEngine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		err = e.pc.Close()
	})
	return err
}

type pionDataChannel struct {
	dc              *webrtc.DataChannel
	maxMessageBytes int
}

func (c *pionDataChannel) Label() string { return c.dc.Label() }

func (c *pionDataChannel) Send(data []byte) error {
	if c.maxMessageBytes > 0 && len(data) > c.maxMessageBytes {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(data), c.maxMessageBytes)
	}
	return c.dc.Send(data)
}

func (c *pionDataChannel) SendText(text string) error {
	if c.maxMessageBytes > 0 && len(text) > c.maxMessageBytes {
		return fmt.Errorf("%w: %d > %d", ErrMessageTooLarge, len(text), c.maxMessageBytes)
	}
	return c.dc.SendText(text)
}

func (c *pionDataChannel) Close() error { return c.dc.Close() }
