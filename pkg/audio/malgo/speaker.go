package malgo

import (
	"fmt"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/aihub/voice/pkg/audio"
)

// speakerLead is how much audio a writer may queue ahead of the device.
const speakerLead = 200 * time.Millisecond

var (
	_ audio.Sink    = (*Speaker)(nil)
	_ audio.Flusher = (*Speaker)(nil)
)

// Speaker plays 16-bit PCM on a local output device. Write blocks once
// about 200 ms of audio is queued, so the playback arbiter is paced by the
// device clock.
type Speaker struct {
	format audio.Format
	dev    *malgo.Device
	buf    *pcmBuffer
}

// NewSpeaker opens the named output device (empty selects the default) in
// format and starts it. Until audio is written the device plays silence.
func (c *Context) NewSpeaker(device string, format audio.Format) (*Speaker, error) {
	if format.SampleRate <= 0 || format.Channels <= 0 {
		return nil, fmt.Errorf("malgo: invalid speaker format %v", format)
	}
	info, err := c.findDevice(malgo.Playback, device)
	if err != nil {
		return nil, fmt.Errorf("malgo: open speaker: %w", err)
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Playback)
	cfg.Playback.Format = malgo.FormatS16
	cfg.Playback.Channels = uint32(format.Channels)
	cfg.SampleRate = uint32(format.SampleRate)
	cfg.PeriodSizeInMilliseconds = periodMillis
	cfg.Alsa.NoMMap = 1
	if info != nil {
		cfg.Playback.DeviceID = info.ID.Pointer()
	}

	s := &Speaker{
		format: format,
		buf:    newPCMBuffer(format.Bytes(speakerLead)),
	}
	dev, err := malgo.InitDevice(c.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(output, _ []byte, _ uint32) {
			s.buf.read(output)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("malgo: init speaker: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return nil, fmt.Errorf("malgo: start speaker: %w", err)
	}
	s.dev = dev
	return s, nil
}

// Format returns the PCM layout Write expects.
func (s *Speaker) Format() audio.Format { return s.format }

// Write implements [audio.Sink].
func (s *Speaker) Write(pcm []byte) error {
	return s.buf.write(pcm)
}

// Flush implements [audio.Flusher]; queued audio is dropped and the device
// falls back to silence within one period.
func (s *Speaker) Flush() {
	s.buf.flush()
}

// Close stops the device. Pending and blocked writes fail.
func (s *Speaker) Close() error {
	s.buf.close()
	err := s.dev.Stop()
	s.dev.Uninit()
	if err != nil {
		return fmt.Errorf("malgo: stop speaker: %w", err)
	}
	return nil
}
