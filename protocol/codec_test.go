package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	codec := NewCodec(TypePing, TypeBattery)

	packets := []Packet{
		MustPacket(TypePing, nil),
		MustPacket(TypePing, map[string]string{"message": "hello <there> & welcome"}),
		MustPacket(TypeBattery, map[string]any{"currentCharge": 42, "isCharging": true, "thresholdEvent": 0}),
		MustPacket(TypePair, PairBody{Pair: true}),
		MustPacket("vendor.private", map[string]any{"nested": map[string]any{"list": []int{1, 2, 3}}}),
	}

	for _, p := range packets {
		p.Unknown = !codec.Known(p.Type)

		line, err := codec.Encode(p)
		require.NoError(t, err)
		require.True(t, bytes.HasSuffix(line, []byte("\n")))

		decoded, err := codec.Decode(line)
		require.NoError(t, err)
		assert.True(t, p.Equal(decoded), "decode(encode(p)) != p for %s", p.Type)

		again, err := codec.Encode(decoded)
		require.NoError(t, err)
		assert.Equal(t, string(line), string(again), "encode(decode(b)) != b")
	}
}

func TestCanonicalFramesRoundTrip(t *testing.T) {
	codec := NewCodec(TypePing)
	frames := []string{
		`{"id":1,"type":"kdeconnect.ping","body":{}}` + "\n",
		`{"id":1700000000000,"type":"kdeconnect.ping","body":{"message":"hi"}}` + "\n",
		`{"id":-5,"type":"does-not-exist","body":{"a":[1,{"b":null}],"c":"x"}}` + "\n",
	}

	for _, frame := range frames {
		p, err := codec.Decode([]byte(frame))
		require.NoError(t, err)
		out, err := codec.Encode(p)
		require.NoError(t, err)
		assert.Equal(t, frame, string(out))
	}
}

func TestWellFormedFramesRoundTripByteForByte(t *testing.T) {
	codec := NewCodec(TypePing, TypeShareRequest)
	frames := []string{
		`{"type":"kdeconnect.ping","id":1,"body":{}}`,
		`{"id":1,"type":"kdeconnect.ping","body":{"a": 1}}`,
		` { "id" : "7" , "type":"kdeconnect.ping","body":{"message":"x\u0041"} }`,
		`{"id":1,"type":"kdeconnect.share.request","body":{},"payloadSize":10,"payloadTransferInfo":{"port":1739}}`,
	}

	for _, frame := range frames {
		p, err := codec.Decode([]byte(frame))
		require.NoError(t, err, frame)
		out, err := codec.Encode(p)
		require.NoError(t, err)
		assert.Equal(t, frame+"\n", string(out))
	}
}

func TestExtraEnvelopeFieldsSurvive(t *testing.T) {
	codec := NewCodec(TypeShareRequest)
	frame := `{"id":1,"type":"kdeconnect.share.request","body":{"filename":"a.txt"},"payloadTransferInfo":{ "port": 1739 },"payloadSize":10}`

	p, err := codec.Decode([]byte(frame))
	require.NoError(t, err)
	assert.Equal(t, `10`, string(p.Extra["payloadSize"]))
	assert.Equal(t, `{"port":1739}`, string(p.Extra["payloadTransferInfo"]))

	// A changed packet is re-encoded canonically with its extra fields.
	p.ID = 2
	out, err := codec.Encode(p)
	require.NoError(t, err)
	assert.Equal(t,
		`{"id":2,"type":"kdeconnect.share.request","body":{"filename":"a.txt"},"payloadSize":10,"payloadTransferInfo":{"port":1739}}`+"\n",
		string(out))

	again, err := codec.Decode(out)
	require.NoError(t, err)
	assert.True(t, p.Equal(again))
}

func TestDecodeMarksUnknownTypes(t *testing.T) {
	codec := NewCodec(TypePing)

	p, err := codec.Decode([]byte(`{"id":1,"type":"does-not-exist","body":{}}`))
	require.NoError(t, err)
	assert.True(t, p.Unknown)

	p, err = codec.Decode([]byte(`{"id":"2","type":"kdeconnect.ping","body":{}}`))
	require.NoError(t, err)
	assert.False(t, p.Unknown)
	assert.Equal(t, int64(2), p.ID)
}

func TestDecodeRejectsMalformedFrames(t *testing.T) {
	codec := NewCodec()
	for _, frame := range []string{
		`not json`,
		`[]`,
		`{"id":1,"body":{}}`,
		`{"id":1,"type":"","body":{}}`,
		`{"type":"x","body":{}}`,
		`{"id":1.5,"type":"x","body":{}}`,
		`{"id":1,"type":"x","body":[1,2]}`,
		`{"id":1,"type":7,"body":{}}`,
	} {
		_, err := codec.Decode([]byte(frame))
		assert.ErrorIs(t, err, ErrMalformedFrame, "frame %q", frame)
	}
}

func TestDecoderSkipsMalformedAndContinues(t *testing.T) {
	codec := NewCodec(TypePing)
	stream := strings.Join([]string{
		`{"id":1,"type":"does-not-exist","body":{}}`,
		`{{{ garbage`,
		``,
		`{"id":2,"type":"kdeconnect.ping","body":{"message":"still here"}}`,
	}, "\n") + "\n"

	dec := codec.NewDecoder(strings.NewReader(stream))

	first, err := dec.Next()
	require.NoError(t, err)
	assert.True(t, first.Unknown)

	_, err = dec.Next()
	require.ErrorIs(t, err, ErrMalformedFrame)

	ping, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, TypePing, ping.Type)

	_, err = dec.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestDecoderRecoversFromOversizeFrame(t *testing.T) {
	codec := NewCodec(TypePing)
	huge := `{"id":1,"type":"kdeconnect.ping","body":{"pad":"` + strings.Repeat("x", MaxFrameSize+10) + `"}}`
	stream := huge + "\n" + `{"id":2,"type":"kdeconnect.ping","body":{}}` + "\n"

	dec := codec.NewDecoder(strings.NewReader(stream))
	_, err := dec.Next()
	require.ErrorIs(t, err, ErrMalformedFrame)
	require.ErrorIs(t, err, ErrFrameTooLarge)

	p, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.ID)
}

func TestDecoderReportsTruncatedStream(t *testing.T) {
	dec := NewCodec().NewDecoder(strings.NewReader(`{"id":1,"type":"x"`))
	_, err := dec.Next()
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
}

func TestEncoderWritesLines(t *testing.T) {
	var buf bytes.Buffer
	enc := NewCodec().NewEncoder(&buf)
	require.NoError(t, enc.Encode(Packet{ID: 3, Type: TypeKeepAlive}))
	assert.Equal(t, `{"id":3,"type":"kdeconnect.keepalive","body":{}}`+"\n", buf.String())
}

func TestNextIDIsStrictlyIncreasing(t *testing.T) {
	prev := NextID()
	for i := 0; i < 1000; i++ {
		next := NextID()
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestNewPacketRejectsNonObjectBody(t *testing.T) {
	_, err := NewPacket(TypePing, []int{1})
	assert.Error(t, err)
	_, err = NewPacket("", nil)
	assert.Error(t, err)
}
