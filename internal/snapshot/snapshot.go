// Package snapshot implements the optional persistence layout of spec
// §6.5: a self-describing file capturing the registry's event and
// calibration-segment metadata alongside a full byte-for-byte copy of
// every segment's working page, suitable for save/restore across process
// restarts. Each snapshot is stamped with a random id (not derived from
// its contents) so operators can correlate a saved file with the log line
// that produced it.
package snapshot

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/xcplite/mccore/internal/calseg"
	"github.com/xcplite/mccore/internal/mcaddr"
	"github.com/xcplite/mccore/internal/registry"
)

// magic identifies a snapshot file; version allows the layout to evolve
// without silently misreading an old file.
var magic = [4]byte{'M', 'C', 'S', 'N'}

const formatVersion uint16 = 1

// Save writes a snapshot of reg's event/segment metadata and cal's live
// segment bytes to w, returning the id stamped into the file header.
func Save(w io.Writer, reg *registry.Registry, cal *calseg.Engine) (uuid.UUID, error) {
	id := uuid.New()
	bw := bufio.NewWriter(w)

	if err := writeHeader(bw, id, reg); err != nil {
		return uuid.Nil, err
	}

	events := reg.Events()
	for _, ev := range events {
		if err := writeEvent(bw, ev); err != nil {
			return uuid.Nil, err
		}
	}

	segs := reg.CalSegs()
	for _, desc := range segs {
		seg, err := cal.Get(desc.Name)
		if err != nil {
			return uuid.Nil, fmt.Errorf("snapshot: segment %q in registry has no live memory: %w", desc.Name, err)
		}
		if err := writeSegment(bw, desc, seg.FreezeTo()); err != nil {
			return uuid.Nil, err
		}
	}

	if err := bw.Flush(); err != nil {
		return uuid.Nil, fmt.Errorf("snapshot: flush: %w", err)
	}
	return id, nil
}

// Load reads a snapshot previously written by Save and restores each
// segment's working page via cal. No registry is reconstructed from the
// file, and its event records are read and discarded — cal must already
// hold the segments (by name) that were present at Save time; Load
// fails if a segment named in the file is not present in cal, preventing
// a snapshot from silently restoring into a mismatched build.
func Load(r io.Reader, cal *calseg.Engine) (uuid.UUID, error) {
	br := bufio.NewReader(r)

	id, epk, eventCount, segmentCount, err := readHeader(br)
	if err != nil {
		return uuid.Nil, err
	}
	_ = epk // carried for operator inspection; the registry's own EPK is authoritative

	for i := uint16(0); i < eventCount; i++ {
		if _, err := readEvent(br); err != nil {
			return uuid.Nil, fmt.Errorf("snapshot: event record %d: %w", i, err)
		}
	}

	for i := uint16(0); i < segmentCount; i++ {
		name, _, data, err := readSegment(br)
		if err != nil {
			return uuid.Nil, fmt.Errorf("snapshot: segment record %d: %w", i, err)
		}
		seg, err := cal.Get(name)
		if err != nil {
			return uuid.Nil, fmt.Errorf("snapshot: segment %q in file has no live memory: %w", name, err)
		}
		if err := seg.RestoreFrom(data); err != nil {
			return uuid.Nil, fmt.Errorf("snapshot: restore segment %q: %w", name, err)
		}
	}

	return id, nil
}

// ---------------------------------------------------------------------------
// wire encoding
// ---------------------------------------------------------------------------

func writeString(w *bufio.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := w.WriteString(s)
	return err
}

func readString(r *bufio.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

func writeHeader(w *bufio.Writer, id uuid.UUID, reg *registry.Registry) error {
	if _, err := w.Write(magic[:]); err != nil {
		return fmt.Errorf("snapshot: write magic: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, formatVersion); err != nil {
		return fmt.Errorf("snapshot: write version: %w", err)
	}
	idBytes, err := id.MarshalBinary()
	if err != nil {
		return fmt.Errorf("snapshot: marshal id: %w", err)
	}
	if _, err := w.Write(idBytes); err != nil {
		return fmt.Errorf("snapshot: write id: %w", err)
	}
	if err := writeString(w, reg.AppInfo().EPK); err != nil {
		return fmt.Errorf("snapshot: write epk: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(reg.Events()))); err != nil {
		return fmt.Errorf("snapshot: write event count: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(reg.CalSegs()))); err != nil {
		return fmt.Errorf("snapshot: write segment count: %w", err)
	}
	return nil
}

func readHeader(r *bufio.Reader) (id uuid.UUID, epk string, eventCount, segmentCount uint16, err error) {
	var got [4]byte
	if _, err = io.ReadFull(r, got[:]); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read magic: %w", err)
	}
	if got != magic {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: bad magic %v, not a snapshot file", got)
	}
	var version uint16
	if err = binary.Read(r, binary.LittleEndian, &version); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read version: %w", err)
	}
	if version != formatVersion {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: unsupported format version %d (want %d)", version, formatVersion)
	}
	idBytes := make([]byte, 16)
	if _, err = io.ReadFull(r, idBytes); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read id: %w", err)
	}
	if err = id.UnmarshalBinary(idBytes); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: unmarshal id: %w", err)
	}
	if epk, err = readString(r); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read epk: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &eventCount); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read event count: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &segmentCount); err != nil {
		return uuid.Nil, "", 0, 0, fmt.Errorf("snapshot: read segment count: %w", err)
	}
	return id, epk, eventCount, segmentCount, nil
}

// eventRecord mirrors spec §6.5's per-event layout: {name, id, index,
// cycle_ns, priority}. priority is reserved — the core has no DAQ
// scheduling-priority concept yet, so it is always written as zero and
// ignored on read.
func writeEvent(w *bufio.Writer, ev registry.Event) error {
	if err := writeString(w, string(ev.Name)); err != nil {
		return fmt.Errorf("snapshot: write event name: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, ev.ID); err != nil {
		return fmt.Errorf("snapshot: write event id: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, ev.InstanceIndex); err != nil {
		return fmt.Errorf("snapshot: write event index: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, ev.CycleTimeNs); err != nil {
		return fmt.Errorf("snapshot: write event cycle_ns: %w", err)
	}
	var priority uint8
	return binary.Write(w, binary.LittleEndian, priority)
}

func readEvent(r *bufio.Reader) (registry.Event, error) {
	var ev registry.Event
	name, err := readString(r)
	if err != nil {
		return ev, fmt.Errorf("read name: %w", err)
	}
	ev.Name = registry.Identifier(name)
	if err := binary.Read(r, binary.LittleEndian, &ev.ID); err != nil {
		return ev, fmt.Errorf("read id: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.InstanceIndex); err != nil {
		return ev, fmt.Errorf("read index: %w", err)
	}
	if err := binary.Read(r, binary.LittleEndian, &ev.CycleTimeNs); err != nil {
		return ev, fmt.Errorf("read cycle_ns: %w", err)
	}
	var priority uint8
	if err := binary.Read(r, binary.LittleEndian, &priority); err != nil {
		return ev, fmt.Errorf("read priority: %w", err)
	}
	return ev, nil
}

// segment record layout: {name, index, ext, addr, size, bytes[size]}. ext
// and addr are the segment's wire base address (spec §6.3), carried for
// operator inspection; restoring only uses name and bytes.
func writeSegment(w *bufio.Writer, desc registry.CalSegDescriptor, data []byte) error {
	if err := writeString(w, string(desc.Name)); err != nil {
		return fmt.Errorf("snapshot: write segment name: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, desc.Index); err != nil {
		return fmt.Errorf("snapshot: write segment index: %w", err)
	}
	ext, addr := mcaddr.CalSegWireBase(desc.Index)
	if err := binary.Write(w, binary.LittleEndian, ext); err != nil {
		return fmt.Errorf("snapshot: write segment ext: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, addr); err != nil {
		return fmt.Errorf("snapshot: write segment addr: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("snapshot: write segment size: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("snapshot: write segment bytes: %w", err)
	}
	return nil
}

func readSegment(r *bufio.Reader) (name string, index uint16, data []byte, err error) {
	if name, err = readString(r); err != nil {
		return "", 0, nil, fmt.Errorf("read name: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &index); err != nil {
		return "", 0, nil, fmt.Errorf("read index: %w", err)
	}
	var ext uint8
	var addr, size uint32
	if err = binary.Read(r, binary.LittleEndian, &ext); err != nil {
		return "", 0, nil, fmt.Errorf("read ext: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &addr); err != nil {
		return "", 0, nil, fmt.Errorf("read addr: %w", err)
	}
	if err = binary.Read(r, binary.LittleEndian, &size); err != nil {
		return "", 0, nil, fmt.Errorf("read size: %w", err)
	}
	data = make([]byte, size)
	if _, err = io.ReadFull(r, data); err != nil {
		return "", 0, nil, fmt.Errorf("read bytes: %w", err)
	}
	return name, index, data, nil
}
