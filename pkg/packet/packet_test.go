// Copyright 2024 The Parca Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package packet_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"

	"github.com/parca-dev/erprof/pkg/datadesc"
	"github.com/parca-dev/erprof/pkg/ingest"
	"github.com/parca-dev/erprof/pkg/packet"
	"github.com/parca-dev/erprof/pkg/testutil"
	"github.com/parca-dev/erprof/pkg/uidtable"
)

func window(p *testutil.Packets, order binary.ByteOrder) *packet.Window {
	b := p.Bytes()
	return packet.NewWindow("test", bytes.NewReader(b), int64(len(b)), order)
}

func clockEvents(order binary.ByteOrder, n int) *testutil.Packets {
	p := testutil.NewPackets(order)
	for i := 0; i < n; i++ {
		p.Event(uint16(packet.TypeProf), testutil.Common{
			Thread: 1,
			LWP:    uint32(100 + i%2),
			CPU:    2,
			Time:   int64(1000 * (i + 1)),
			Frame:  uint64(0x10 + i),
		}).U32(32, 1).U32(36, uint32(i+1)).Done()
	}
	return p
}

func readClock(t *testing.T, w *packet.Window, opts ...packet.ReaderOption) (*datadesc.Descriptor, packet.Stats) {
	t.Helper()
	layout, ok := packet.Builtin(packet.TypeProf)
	require.True(t, ok)

	desc := datadesc.New("CLOCK", "Clock profiling", datadesc.NewRegistry())
	mux := packet.NewMux()
	mux.Handle(packet.TypeProf, packet.NewTableHandler(layout, desc))

	st, err := packet.NewReader(nil, opts...).Read(context.Background(), w, mux)
	require.NoError(t, err)
	return desc, st
}

func TestReadBuiltinEvents(t *testing.T) {
	for _, order := range []binary.ByteOrder{binary.LittleEndian, binary.BigEndian} {
		t.Run(order.String(), func(t *testing.T) {
			desc, st := readClock(t, window(clockEvents(order, 10), order))
			require.Equal(t, 10, st.Packets)
			require.Equal(t, 0, st.Invalid)
			require.Equal(t, 10, desc.Size())

			tstamp, ok := desc.PropertyID("TSTAMP")
			require.True(t, ok)
			ntick, ok := desc.PropertyID("NTICK")
			require.True(t, ok)
			frinfo, ok := desc.PropertyID("FRINFO")
			require.True(t, ok)

			require.Equal(t, int64(3000), desc.GetInt(tstamp, 2))
			require.Equal(t, int64(3), desc.GetInt(ntick, 2))
			require.Equal(t, uint64(0x12), desc.GetUint64(frinfo, 2))
		})
	}
}

func TestReadSkipsMisalignedRecord(t *testing.T) {
	order := binary.LittleEndian
	p := clockEvents(order, 3)
	// A header claiming 6 bytes is misaligned.
	p.Raw([]byte{6, 0, 1, 0})
	p.Raw(make([]byte, 128-p.Len()))
	p.Event(uint16(packet.TypeProf), testutil.Common{Time: 9000}).U32(36, 9).Done()

	desc, st := readClock(t, window(p, order), packet.WithChunkSize(64))
	require.Equal(t, 1, st.Invalid)
	require.Equal(t, 4, st.Packets)
	require.Equal(t, 4, desc.Size())
}

func TestReadShortRecordIsInvalid(t *testing.T) {
	order := binary.LittleEndian
	p := clockEvents(order, 2)
	p.Record(uint16(packet.TypeProf)).U32(4, 1).Done()

	desc, st := readClock(t, window(p, order))
	require.Equal(t, 1, st.Invalid)
	require.Equal(t, 2, desc.Size())
}

func TestReadIsIdempotent(t *testing.T) {
	order := binary.LittleEndian
	p := clockEvents(order, 50)

	a, _ := readClock(t, window(p, order))
	b, _ := readClock(t, window(p, order))
	require.Equal(t, a.Digest(), b.Digest())
}

func TestReadReportsProgress(t *testing.T) {
	order := binary.LittleEndian
	p := clockEvents(order, 100)

	var reports []int
	ictx := ingest.NewContext(ingest.WithProgress(ingest.ProgressFunc(func(percent int, _ string) {
		reports = append(reports, percent)
	})))
	_, err := packet.NewReader(ictx, packet.WithProgressInterval(1024)).
		Read(context.Background(), window(p, order), packet.NewMux())
	require.NoError(t, err)

	require.Equal(t, 0, reports[0])
	require.Equal(t, 100, reports[len(reports)-1])
	require.Greater(t, len(reports), 3)
	for i := 1; i < len(reports); i++ {
		require.GreaterOrEqual(t, reports[i], reports[i-1])
	}
}

func TestReadCancelled(t *testing.T) {
	order := binary.LittleEndian
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := packet.NewReader(nil, packet.WithProgressInterval(128)).
		Read(ctx, window(clockEvents(order, 20), order), packet.NewMux())
	require.ErrorIs(t, err, context.Canceled)
}

func TestMuxFallback(t *testing.T) {
	order := binary.LittleEndian
	p := clockEvents(order, 2)
	p.Record(40).U32(4, 7).Done()

	var user []packet.Header
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeProf, func(packet.Header, packet.Record) error { return nil })
	mux.Fallback(packet.HandlerFunc(func(h packet.Header, _ packet.Record) error {
		user = append(user, h)
		return nil
	}))

	st, err := packet.NewReader(nil).Read(context.Background(), window(p, order), mux)
	require.NoError(t, err)
	require.Len(t, user, 1)
	require.Equal(t, packet.Type(40), user[0].Type)
	require.Equal(t, "USER40", user[0].Type.String())
	require.Equal(t, 1, st.ByType[packet.Type(40)])
}

func TestDecodeFrame(t *testing.T) {
	order := binary.LittleEndian
	p := testutil.NewPackets(order).Frame(0x77,
		testutil.FrameInfo{Kind: 1, UID: 0xa, Words: []uint64{0x401000, 0x402000}},
		testutil.FrameInfo{Kind: 2, UID: 0xb, Words: []uint64{12, 0x9000}},
		testutil.FrameInfo{Kind: 1, Flags: packet.FlagWords32 | packet.FlagTrailingLink, UID: 0xc,
			Words: []uint64{0x1000, uint64(uidtable.TruncatedMarker32), 0x5, 0x1}},
	)

	var frames []packet.Frame
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeFrame, func(_ packet.Header, rec packet.Record) error {
		f, err := packet.DecodeFrame(rec)
		if err != nil {
			return err
		}
		frames = append(frames, f)
		return nil
	})
	_, err := packet.NewReader(nil).Read(context.Background(), window(p, order), mux)
	require.NoError(t, err)
	require.Len(t, frames, 1)

	f := frames[0]
	require.Equal(t, uint64(0x77), f.UID)
	require.Len(t, f.Infos, 3)
	require.Equal(t, packet.InfoNative, f.Infos[0].Kind)
	require.Equal(t, []uint64{0x401000, 0x402000}, f.Infos[0].Words)
	require.Equal(t, packet.InfoJava, f.Infos[1].Kind)
	require.Equal(t, []uint64{12, 0x9000}, f.Infos[1].Words)

	// 32-bit words are widened and the trailing pair is the link.
	require.Equal(t, []uint64{0x1000, uidtable.TruncatedMarker}, f.Infos[2].Words)
	require.Equal(t, uint64(0x1_0000_0005), f.Infos[2].Link)
}

func TestDecodeUID(t *testing.T) {
	order := binary.BigEndian
	p := testutil.NewPackets(order).UID(0x55, 0x66, 1, 2, 3)

	var got packet.Info
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeUID, func(_ packet.Header, rec packet.Record) error {
		var err error
		got, err = packet.DecodeUID(rec)
		return err
	})
	_, err := packet.NewReader(nil).Read(context.Background(), window(p, order), mux)
	require.NoError(t, err)
	require.Equal(t, packet.InfoNative, got.Kind)
	require.Equal(t, uint64(0x55), got.UID)
	require.Equal(t, uint64(0x66), got.Link)
	require.Equal(t, []uint64{1, 2, 3}, got.Words)
}

func TestDecodeJavaRecords(t *testing.T) {
	order := binary.LittleEndian
	p := testutil.NewPackets(order)
	p.Record(uint16(packet.TypeJClass)).U64(8, 7).I64(16, 500).String(24, "Ljava/lang/String;").Done()
	p.Record(uint16(packet.TypeJMethod)).U64(8, 70).U64(16, 7).I64(24, 600).String(32, "length").String(39, "()I").Done()

	var class packet.ClassLoad
	var method packet.MethodLoad
	mux := packet.NewMux()
	mux.HandleFunc(packet.TypeJClass, func(_ packet.Header, rec packet.Record) (err error) {
		class, err = packet.DecodeClassLoad(rec)
		return err
	})
	mux.HandleFunc(packet.TypeJMethod, func(_ packet.Header, rec packet.Record) (err error) {
		method, err = packet.DecodeMethodLoad(rec)
		return err
	})
	_, err := packet.NewReader(nil).Read(context.Background(), window(p, order), mux)
	require.NoError(t, err)

	require.Equal(t, packet.ClassLoad{ClassID: 7, Timestamp: 500, Name: "Ljava/lang/String;"}, class)
	require.Equal(t, packet.MethodLoad{MethodID: 70, ClassID: 7, Timestamp: 600, Name: "length", Signature: "()I"}, method)
}

func TestOpenWindow(t *testing.T) {
	order := binary.LittleEndian
	data := clockEvents(order, 5).Bytes()
	dir := t.TempDir()

	plain := filepath.Join(dir, "profile")
	require.NoError(t, os.WriteFile(plain, data, 0o644))

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	compressed := filepath.Join(dir, "hwcounters")
	require.NoError(t, os.WriteFile(compressed+".zst", enc.EncodeAll(data, nil), 0o644))
	require.NoError(t, enc.Close())

	for _, path := range []string{plain, compressed} {
		w, err := packet.OpenWindow(path, order)
		require.NoError(t, err)
		require.Equal(t, int64(len(data)), w.Size())

		desc, st := readClock(t, w)
		require.Equal(t, 5, st.Packets)
		require.Equal(t, 5, desc.Size())
		require.NoError(t, w.Close())
	}

	_, err = packet.OpenWindow(filepath.Join(dir, "missing"), order)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestParseByteOrder(t *testing.T) {
	o, err := packet.ParseByteOrder("big")
	require.NoError(t, err)
	require.Equal(t, binary.BigEndian, o)

	o, err = packet.ParseByteOrder("")
	require.NoError(t, err)
	require.Equal(t, binary.LittleEndian, o)

	_, err = packet.ParseByteOrder("middle")
	require.Error(t, err)
}
