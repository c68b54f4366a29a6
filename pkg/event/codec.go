package event

import (
	"fmt"
	"sync"

	flatbuffers "github.com/google/flatbuffers/go"

	"github.com/unijord/xrfstage/pkg/gen/go/fb/scan"
)

const oneKB = 1024

var builderPool = sync.Pool{
	New: func() interface{} {
		return flatbuffers.NewBuilder(oneKB)
	},
}

func getBuilder() *flatbuffers.Builder {
	return builderPool.Get().(*flatbuffers.Builder)
}

func putBuilder(b *flatbuffers.Builder) {
	b.Reset()
	builderPool.Put(b)
}

// Marshal encodes the event as a flatbuffers Event table.
// Streams are written in sorted name order so equal events encode identically.
func Marshal(ev Event) []byte {
	builder := getBuilder()
	defer putBuilder(builder)

	names := ev.StreamNames()
	streamOffsets := make([]flatbuffers.UOffsetT, len(names))
	for i, name := range names {
		sd := ev.Streams[name]

		frameOffsets := make([]flatbuffers.UOffsetT, len(sd.Frames))
		for j, frame := range sd.Frames {
			dataOffset := builder.CreateByteVector(frame)
			scan.FrameStart(builder)
			scan.FrameAddData(builder, dataOffset)
			frameOffsets[j] = scan.FrameEnd(builder)
		}

		scan.StreamStartFramesVector(builder, len(frameOffsets))
		for j := len(frameOffsets) - 1; j >= 0; j-- {
			builder.PrependUOffsetT(frameOffsets[j])
		}
		framesVec := builder.EndVector(len(frameOffsets))

		nameOffset := builder.CreateString(name)
		kindOffset := builder.CreateString(sd.Kind)

		scan.StreamStart(builder)
		scan.StreamAddName(builder, nameOffset)
		scan.StreamAddKind(builder, kindOffset)
		scan.StreamAddFrames(builder, framesVec)
		streamOffsets[i] = scan.StreamEnd(builder)
	}

	scan.EventStartStreamsVector(builder, len(streamOffsets))
	for i := len(streamOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(streamOffsets[i])
	}
	streamsVec := builder.EndVector(len(streamOffsets))

	scan.EventStart(builder)
	scan.EventAddEventNumber(builder, ev.Number)
	scan.EventAddStreams(builder, streamsVec)
	root := scan.EventEnd(builder)

	builder.Finish(root)
	data := builder.FinishedBytes()
	result := make([]byte, len(data))
	copy(result, data)
	return result
}

// Unmarshal decodes a flatbuffers Event table. Frame bytes are copied, the
// returned event does not alias data.
func Unmarshal(data []byte) (ev Event, err error) {
	if len(data) < flatbuffers.SizeUOffsetT {
		return Event{}, ErrEmptyRecord
	}
	// flatbuffers accessors panic on out of range offsets
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrMalformedEvent, r)
		}
	}()

	root := scan.GetRootAsEvent(data, 0)
	ev = Event{
		Number:  root.EventNumber(),
		Streams: make(map[string]StreamData, root.StreamsLength()),
	}

	var st scan.Stream
	var fr scan.Frame
	for i := 0; i < root.StreamsLength(); i++ {
		if !root.Streams(&st, i) {
			continue
		}
		name := string(st.Name())
		if _, dup := ev.Streams[name]; dup {
			return Event{}, fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		sd := StreamData{
			Kind:   string(st.Kind()),
			Frames: make([][]byte, 0, st.FramesLength()),
		}
		for j := 0; j < st.FramesLength(); j++ {
			if !st.Frames(&fr, j) {
				continue
			}
			raw := fr.DataBytes()
			frame := make([]byte, len(raw))
			copy(frame, raw)
			sd.Frames = append(sd.Frames, frame)
		}
		ev.Streams[name] = sd
	}
	return ev, nil
}
