// Package discord provides an [audio.Sink] that plays synthesized speech
// into a Discord voice channel via the bwmarrin/discordgo library. It
// bridges the pipeline's mono PCM sample stream to Discord's 48 kHz stereo
// Opus voice transport.
//
// The sink requires an active *discordgo.Session (owned by the caller) plus
// the guild and voice channel IDs. Start joins the channel and runs a 20 ms
// frame ticker that pulls samples, resamples them to 48 kHz stereo, encodes
// Opus, and hands packets to discordgo for transmission.
package discord

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/cadenza/pkg/audio"
	"github.com/bwmarrin/discordgo"
)

// Compile-time interface assertion.
var _ audio.Sink = (*Sink)(nil)

// frameInterval is the cadence of outgoing voice frames.
const frameInterval = opusFrameSizeMs * time.Millisecond

// voiceLink is the slice of a joined voice connection the send loop needs.
// The indirection lets tests substitute fake channels for a live session.
type voiceLink struct {
	opusSend   chan<- []byte
	speaking   func(bool) error
	disconnect func() error
}

// Sink implements [audio.Sink] on a Discord voice channel.
//
// Sink is safe for concurrent use.
type Sink struct {
	session   *discordgo.Session
	guildID   string
	channelID string

	source   audio.Format
	interval time.Duration

	// join establishes the voice connection. Defaults to a ChannelVoiceJoin
	// call on session; overridden in tests.
	join func() (voiceLink, error)

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

// New creates a Sink that joins the given voice channel on Start. The
// session must already be connected before Start is called. Pulled samples
// are interpreted as [audio.DefaultFormat] mono PCM.
func New(session *discordgo.Session, guildID, channelID string) *Sink {
	s := &Sink{
		session:   session,
		guildID:   guildID,
		channelID: channelID,
		source:    audio.DefaultFormat(),
		interval:  frameInterval,
	}
	s.join = s.joinVoice
	return s
}

func (s *Sink) joinVoice() (voiceLink, error) {
	// mute=false (we send audio), deaf=true (we never receive).
	vc, err := s.session.ChannelVoiceJoin(s.guildID, s.channelID, false, true)
	if err != nil {
		return voiceLink{}, fmt.Errorf("discord: join voice channel %q: %w", s.channelID, err)
	}
	return voiceLink{
		opusSend:   vc.OpusSend,
		speaking:   vc.Speaking,
		disconnect: vc.Disconnect,
	}, nil
}

// Start joins the voice channel and begins streaming pulled samples as Opus
// frames on a background goroutine.
func (s *Sink) Start(pull audio.PullFunc) error {
	if pull == nil {
		return errors.New("discord: nil pull func")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return errors.New("discord: sink already started")
	}

	link, err := s.join()
	if err != nil {
		return err
	}
	enc, err := newOpusEncoder()
	if err != nil {
		_ = link.disconnect()
		return err
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop, s.done = stop, done
	go s.sendLoop(link, enc, pull, stop, done)

	slog.Info("discord: voice sink started",
		"guild", s.guildID,
		"channel", s.channelID,
		"source", s.source.String(),
	)
	return nil
}

// Stop halts the frame loop, waits for it to leave the voice channel, and
// releases the sink. It is safe to call more than once.
func (s *Sink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop == nil {
		return nil
	}
	close(s.stop)
	<-s.done
	s.stop, s.done = nil, nil
	return nil
}

// sendLoop pulls one frame of source samples per tick, converts it to
// Discord's 48 kHz stereo format, and sends the encoded Opus packet.
// Silence (no real samples) clears the speaking state instead of sending.
func (s *Sink) sendLoop(link voiceLink, enc *opusEncoder, pull audio.PullFunc, stop, done chan struct{}) {
	defer close(done)
	defer func() {
		_ = link.disconnect()
	}()

	speaking := false
	setSpeaking := func(b bool) {
		if err := link.speaking(b); err != nil {
			slog.Warn("discord: speaking notification error", "speaking", b, "error", err)
		}
		speaking = b
	}
	defer func() {
		if speaking {
			setSpeaking(false)
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	frame := make([]float32, s.source.SamplesFor(s.interval))

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			n := pull(frame)
			if n == 0 {
				if speaking {
					setSpeaking(false)
				}
				continue
			}
			if !speaking {
				setSpeaking(true)
			}

			pcm := audio.FloatToStereoInt16(audio.ResampleFloat(frame, s.source.SampleRate, opusSampleRate))
			pkt, err := enc.encode(pcm)
			if err != nil {
				slog.Warn("discord: opus encode error", "error", err)
				continue
			}

			select {
			case link.opusSend <- pkt:
			case <-stop:
				return
			}
		}
	}
}
