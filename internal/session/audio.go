package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/piremote/piremote/internal/audiolink"
	"github.com/piremote/piremote/internal/failover"
	"github.com/piremote/piremote/pkg/audio"
)

// AudioConfig describes the panel's audio sub-channel: the codec framing,
// jitter tolerance, and the UDP port pair shared with the radio unit.
type AudioConfig struct {
	Format      audio.Format
	FrameSize   int
	JitterDepth int

	// TxPort is where the radio unit listens for operator audio; RxPort is
	// the local port the radio unit streams back to.
	TxPort int
	RxPort int

	// LossWindow is the rolling window for the receive loss ratio.
	LossWindow time.Duration
}

// OpenCaptureFunc and OpenPlaybackFunc open the panel's audio devices.
// Called per audio link, so a device that failed and recovered is reopened
// on the next attempt rather than dooming every future session.
type (
	OpenCaptureFunc  func() (audio.CaptureDevice, error)
	OpenPlaybackFunc func() (audio.PlaybackDevice, error)
)

// NewAudioOpener returns an [OpenAudioFunc] that opens fresh devices, dials
// the endpoint's audio ports, and runs a duplex pipeline over them. Teardown
// of the returned link releases the sockets and the devices.
func NewAudioOpener(cfg AudioConfig, openCapture OpenCaptureFunc, openPlayback OpenPlaybackFunc) OpenAudioFunc {
	return func(ctx context.Context, ep failover.Endpoint, onLoss func(float64)) (AudioLink, error) {
		capture, err := openCapture()
		if err != nil {
			return nil, fmt.Errorf("session: open capture: %w", err)
		}
		playback, err := openPlayback()
		if err != nil {
			capture.Close()
			return nil, fmt.Errorf("session: open playback: %w", err)
		}

		tx, err := net.Dial("udp", net.JoinHostPort(ep.Host, strconv.Itoa(cfg.TxPort)))
		if err != nil {
			capture.Close()
			playback.Close()
			return nil, fmt.Errorf("session: audio tx socket: %w", err)
		}
		rx, err := net.ListenPacket("udp", fmt.Sprintf(":%d", cfg.RxPort))
		if err != nil {
			tx.Close()
			capture.Close()
			playback.Close()
			return nil, fmt.Errorf("session: audio rx socket: %w", err)
		}

		d, err := audiolink.StartDuplex(ctx, audiolink.DuplexConfig{
			Format:      cfg.Format,
			FrameSize:   cfg.FrameSize,
			JitterDepth: cfg.JitterDepth,
			Capture:     capture,
			Playback:    playback,
			Tx:          tx,
			Rx:          rx,
			TxStream:    "tx",
			RxStream:    "rx",
			PlaybackOpts: audiolink.PlaybackOptions{
				LossWindow:  cfg.LossWindow,
				OnLossRatio: onLoss,
			},
		})
		if err != nil {
			tx.Close()
			rx.Close()
			capture.Close()
			playback.Close()
			return nil, err
		}
		return &panelAudio{Duplex: d, owned: []io.Closer{tx, capture, playback}}, nil
	}
}

// panelAudio pairs a duplex with the tx socket and the devices it opened,
// so teardown releases all of them.
type panelAudio struct {
	*audiolink.Duplex
	owned []io.Closer
}

func (p *panelAudio) Close() error {
	err := p.Duplex.Close()
	for _, c := range p.owned {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
