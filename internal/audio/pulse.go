// Package audio opens the default PulseAudio input device and streams
// downmixed mono float32 PCM to a bounded, non-blocking sink.
package audio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"

	"github.com/jfreymuth/pulse"
	pulseproto "github.com/jfreymuth/pulse/proto"
)

// Device describes the input source a Capture is reading from.
type Device struct {
	ID          string
	Description string
}

// chunkMillis is the target latency of each emitted mono sample chunk.
const chunkMillis = 20

// captureChannels is the fixed channel count requested from Pulse; capture
// always requests stereo and downmixes by arithmetic mean, which is a
// no-op average for sources that are natively mono.
const captureChannels = 2

// sinkCapacity bounds the number of pending chunks before the oldest is
// dropped to keep the producer from blocking on a slow consumer.
const sinkCapacity = 64

type sampleFormat struct {
	proto      pulseproto.Format
	bytesPerCh int
	decode     func([]byte) []float32
}

// formatPreference lists capture formats in the spec's required priority:
// float32 first, then int16, then int32.
var formatPreference = []sampleFormat{
	{pulseproto.FormatFloat32LE, 4, decodeFloat32LE},
	{pulseproto.FormatInt16LE, 2, decodeInt16LE},
	{pulseproto.FormatInt32LE, 4, decodeInt32LE},
}

// ratePreference lists capture rates in priority order; 16000 is the
// terminal fallback representing "whatever the device natively offers"
// since the client library does not surface the negotiated native rate.
var ratePreference = []int{48000, 44100, 16000}

// Capture streams mono float32 PCM chunks from the default input device.
type Capture struct {
	device  Device
	rate    int
	decode  func([]byte) []float32
	logger  *slog.Logger

	client *pulse.Client
	stream *pulse.RecordStream

	sink   chan []float32
	stopCh chan struct{}

	mu      sync.Mutex
	pending []float32
	stopped bool

	inflight sync.WaitGroup
}

// Start opens the default Pulse input source and begins streaming
// downmixed mono float32 chunks at the highest mutually supported
// format/rate. The returned Capture is stopped by cancelling ctx or
// calling Stop.
func Start(ctx context.Context, logger *slog.Logger) (*Capture, error) {
	client, err := pulse.NewClient(
		pulse.ClientApplicationName("sttd"),
		pulse.ClientApplicationIconName("audio-input-microphone"),
	)
	if err != nil {
		return nil, fmt.Errorf("connect pulse server: %w", err)
	}

	source, err := client.DefaultSource()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("resolve default source: %w", err)
	}

	description := source.ID()
	var sourceInfos pulseproto.GetSourceInfoListReply
	if err := client.RawRequest(&pulseproto.GetSourceInfoList{}, &sourceInfos); err == nil {
		for _, info := range sourceInfos {
			if info != nil && info.SourceName == source.ID() {
				description = info.Device
				break
			}
		}
	}

	capture := &Capture{
		device: Device{ID: source.ID(), Description: description},
		logger: logger,
		client: client,
		sink:   make(chan []float32, sinkCapacity),
		stopCh: make(chan struct{}),
	}

	stream, rate, decode, err := openBestStream(client, source, capture.onPCM)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("open capture stream: %w", err)
	}

	capture.stream = stream
	capture.rate = rate
	capture.decode = decode
	stream.Start()

	go func() {
		<-ctx.Done()
		_ = capture.Stop()
	}()

	return capture, nil
}

// openBestStream tries each (format, rate) pair in priority order and
// returns the first combination Pulse accepts.
func openBestStream(client *pulse.Client, source *pulse.Source, onPCM func([]byte) (int, error)) (*pulse.RecordStream, int, func([]byte) []float32, error) {
	var lastErr error
	for _, format := range formatPreference {
		for _, rate := range ratePreference {
			writer := pulse.NewWriter(writerFunc(onPCM), format.proto)
			stream, err := client.NewRecord(
				writer,
				pulse.RecordSource(source),
				pulse.RecordStereo,
				pulse.RecordSampleRate(rate),
				pulse.RecordMediaName("sttd dictation"),
			)
			if err != nil {
				lastErr = err
				continue
			}
			return stream, rate, format.decode, nil
		}
	}
	return nil, 0, nil, fmt.Errorf("no supported format/rate combination: %w", lastErr)
}

// Device returns the source this capture is reading from.
func (c *Capture) Device() Device {
	return c.device
}

// Rate returns the negotiated capture sample rate.
func (c *Capture) Rate() int {
	return c.rate
}

// Frames returns the bounded sink of mono float32 sample chunks. When the
// consumer falls behind, the oldest pending chunk is dropped to keep the
// producer unblocked; a warning is logged each time this happens.
func (c *Capture) Frames() <-chan []float32 {
	return c.sink
}

// Stop halts the stream, flushes residual samples, and closes Frames
// exactly once.
func (c *Capture) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	close(c.stopCh)
	c.mu.Unlock()

	if c.stream != nil {
		c.stream.Stop()
		c.stream.Close()
	}
	if c.client != nil {
		c.client.Close()
	}

	c.inflight.Wait()

	c.mu.Lock()
	pending := append([]float32(nil), c.pending...)
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		c.emit(pending)
	}

	close(c.sink)
	return nil
}

// onPCM receives raw interleaved stereo frames in the negotiated wire
// format, downmixes to mono, and emits fixed-size chunks.
func (c *Capture) onPCM(buffer []byte) (int, error) {
	if len(buffer) == 0 {
		return 0, nil
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return 0, io.EOF
	}
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	interleaved := c.decode(buffer)
	mono := downmix(interleaved, captureChannels)

	chunkFrames := c.rate * chunkMillis / 1000
	if chunkFrames <= 0 {
		chunkFrames = len(mono)
	}

	c.mu.Lock()
	c.pending = append(c.pending, mono...)
	var chunks [][]float32
	for len(c.pending) >= chunkFrames {
		chunk := make([]float32, chunkFrames)
		copy(chunk, c.pending[:chunkFrames])
		c.pending = c.pending[chunkFrames:]
		chunks = append(chunks, chunk)
	}
	c.mu.Unlock()

	for _, chunk := range chunks {
		c.emit(chunk)
	}

	return len(buffer), nil
}

// emit performs a bounded, non-blocking send: if the sink is full, the
// oldest pending chunk is dropped (with a logged warning) to make room.
func (c *Capture) emit(chunk []float32) {
	select {
	case c.sink <- chunk:
		return
	default:
	}

	select {
	case <-c.sink:
		if c.logger != nil {
			c.logger.Warn("audio capture sink full, dropping oldest chunk")
		}
	default:
	}

	select {
	case c.sink <- chunk:
	default:
	}
}

// downmix averages interleaved multi-channel samples into mono frames.
func downmix(interleaved []float32, channels int) []float32 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	mono := make([]float32, frames)
	for i := 0; i < frames; i++ {
		var sum float32
		for ch := 0; ch < channels; ch++ {
			sum += interleaved[i*channels+ch]
		}
		mono[i] = sum / float32(channels)
	}
	return mono
}

func decodeFloat32LE(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		bits := uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24
		out[i] = math.Float32frombits(bits)
	}
	return out
}

func decodeInt16LE(buf []byte) []float32 {
	n := len(buf) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int16(uint16(buf[i*2]) | uint16(buf[i*2+1])<<8)
		out[i] = float32(v) / 32768.0
	}
	return out
}

func decodeInt32LE(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		v := int32(uint32(buf[i*4]) | uint32(buf[i*4+1])<<8 | uint32(buf[i*4+2])<<16 | uint32(buf[i*4+3])<<24)
		out[i] = float32(v) / 2147483648.0
	}
	return out
}

// writerFunc adapts a function to io.Writer for pulse.NewWriter.
type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(b []byte) (int, error) {
	return f(b)
}
