package mip_test

import (
	"bytes"
	"testing"

	"github.com/kestrelworks/gx4dash/internal/mip"
)

func framesEqual(t *testing.T, got []mip.Frame, want []mip.Frame) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Descriptor != want[i].Descriptor {
			t.Errorf("frame %d: descriptor 0x%02X, want 0x%02X", i, got[i].Descriptor, want[i].Descriptor)
		}
		if !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Errorf("frame %d: payload % X, want % X", i, got[i].Payload, want[i].Payload)
		}
	}
}

func TestFeedSingleFrame(t *testing.T) {
	var d mip.Demuxer
	got := d.Feed(mip.Ping().Encode())
	framesEqual(t, got, []mip.Frame{mip.Ping()})
	if d.Pending() != 0 {
		t.Errorf("pending = %d after complete frame", d.Pending())
	}
}

func TestFeedMultipleFramesAtOnce(t *testing.T) {
	want := []mip.Frame{mip.Ping(), mip.SetIdle(), mip.Resume()}
	var stream []byte
	for _, f := range want {
		stream = append(stream, f.Encode()...)
	}

	var d mip.Demuxer
	framesEqual(t, d.Feed(stream), want)
}

func TestFragmentationInvariance(t *testing.T) {
	want := []mip.Frame{
		mip.Ping(),
		{Descriptor: mip.ClassIMUData, Payload: []byte{0x06, 0x17, 0x75, 0x65, 0x75, 0x65}},
		mip.UARTBaudRate(921600),
	}
	var stream []byte
	for _, f := range want {
		stream = append(stream, f.Encode()...)
	}

	// One byte at a time.
	var d mip.Demuxer
	var got []mip.Frame
	for _, b := range stream {
		got = append(got, d.Feed([]byte{b})...)
	}
	framesEqual(t, got, want)

	// Every possible two-chunk split.
	for cut := 0; cut <= len(stream); cut++ {
		var d mip.Demuxer
		got := d.Feed(stream[:cut])
		got = append(got, d.Feed(stream[cut:])...)
		if len(got) != len(want) {
			t.Fatalf("split at %d: got %d frames, want %d", cut, len(got), len(want))
		}
	}
}

func TestResyncAfterEmbeddedSyncMarker(t *testing.T) {
	first := mip.Ping()
	second := mip.Resume()

	// Noise containing a sync-marker-valued byte pair whose checksum cannot
	// validate.
	noise := []byte{0x00, 0x75, 0x65, 0xAA, 0x02, 0x01, 0x02, 0x00, 0x00, 0xFF}

	var stream []byte
	stream = append(stream, first.Encode()...)
	stream = append(stream, noise...)
	stream = append(stream, second.Encode()...)

	var d mip.Demuxer
	got := d.Feed(stream)
	framesEqual(t, got, []mip.Frame{first, second})
}

func TestFalseSyncOverlappingRealFrame(t *testing.T) {
	// A lone sync pair directly before a real frame: the candidate built from
	// the false sync swallows the real frame's bytes, and the demuxer must
	// recover it by stepping one byte at a time.
	real := mip.SetIdle()
	var stream []byte
	stream = append(stream, 0x75, 0x65)
	stream = append(stream, real.Encode()...)
	// The false candidate declares a length of 0x65, so enough padding must
	// follow for its checksum to be computed and fail.
	stream = append(stream, make([]byte, 120)...)

	var d mip.Demuxer
	got := d.Feed(stream)
	framesEqual(t, got, []mip.Frame{real})
}

func TestPartialFrameRetainedAcrossFeeds(t *testing.T) {
	raw := mip.GetDeviceInfo().Encode()

	var d mip.Demuxer
	if got := d.Feed(raw[:3]); len(got) != 0 {
		t.Fatalf("got %d frames from partial header", len(got))
	}
	if got := d.Feed(raw[3:5]); len(got) != 0 {
		t.Fatalf("got %d frames from partial body", len(got))
	}
	framesEqual(t, d.Feed(raw[5:]), []mip.Frame{mip.GetDeviceInfo()})
}

func TestGarbageIsDiscarded(t *testing.T) {
	var d mip.Demuxer
	if got := d.Feed([]byte{0x01, 0x02, 0x03, 0x65, 0x04, 0x05}); len(got) != 0 {
		t.Fatalf("got %d frames from garbage", len(got))
	}
	// No sync pair anywhere: at most a trailing 0x75 may be retained.
	if d.Pending() > 1 {
		t.Errorf("pending = %d after garbage, want <= 1", d.Pending())
	}
}

func TestTrailingSyncByteKeptForNextRead(t *testing.T) {
	raw := mip.Ping().Encode()

	var d mip.Demuxer
	if got := d.Feed([]byte{0x00, 0x01, raw[0]}); len(got) != 0 {
		t.Fatal("frame from sync byte alone")
	}
	framesEqual(t, d.Feed(raw[1:]), []mip.Frame{mip.Ping()})
}

func TestFeedAfterReset(t *testing.T) {
	var d mip.Demuxer
	d.Feed([]byte{0x75, 0x65, 0x01}) // partial
	d.Reset()
	if d.Pending() != 0 {
		t.Fatalf("pending = %d after reset", d.Pending())
	}
	framesEqual(t, d.Feed(mip.Ping().Encode()), []mip.Frame{mip.Ping()})
}
