package mem

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/kvkolb/kvcore/engine/mem/internal"
	"github.com/kvkolb/kvcore/task"
)

// Binary framing: a magic number, a version byte, then a flat,
// length-prefixed entry stream. Each entry carries a CollectionID since
// this engine is multi-collection.
const (
	magic       = "KVCOREMEM"
	fileVersion = 1
)

type persistedRecord struct {
	col   uint32
	key   uint64
	value []byte
}

// SaveTo writes every present key across every collection to w, along
// with the driver's current version counter, so LoadFrom can resume
// sequence-number assignment above every persisted write.
func (d *Driver) SaveTo(w io.Writer) error {
	bw := bufio.NewWriterSize(w, 1<<20)

	if _, err := bw.WriteString(magic); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, uint8(fileVersion)); err != nil {
		return err
	}
	if err := binary.Write(bw, binary.LittleEndian, d.version.Load()); err != nil {
		return err
	}

	cols := d.ListCollections()
	if err := binary.Write(bw, binary.LittleEndian, uint64(len(cols))); err != nil {
		return err
	}
	for _, ci := range cols {
		if err := binary.Write(bw, binary.LittleEndian, uint32(ci.ID)); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(ci.Name))); err != nil {
			return err
		}
		if _, err := bw.WriteString(ci.Name); err != nil {
			return err
		}
	}

	var recs []persistedRecord
	for _, ci := range cols {
		c, err := d.collection(ci.ID)
		if err != nil {
			return err
		}
		c.chains.Range(func(key uint64, chain *internal.Chain) bool {
			v, ok := chain.Latest()
			if ok && v.Present {
				recs = append(recs, persistedRecord{col: uint32(ci.ID), key: key, value: v.Value})
			}
			return true
		})
	}

	if err := binary.Write(bw, binary.LittleEndian, uint64(len(recs))); err != nil {
		return err
	}
	for _, r := range recs {
		if err := binary.Write(bw, binary.LittleEndian, r.col); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, r.key); err != nil {
			return err
		}
		if err := binary.Write(bw, binary.LittleEndian, uint32(len(r.value))); err != nil {
			return err
		}
		if _, err := bw.Write(r.value); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// LoadFrom replaces the driver's contents with the state serialized by
// SaveTo. It is not safe to call concurrently with other operations on d.
func (d *Driver) LoadFrom(r io.Reader) error {
	br := bufio.NewReaderSize(r, 1<<20)

	got := make([]byte, len(magic))
	if _, err := io.ReadFull(br, got); err != nil {
		return err
	}
	if string(got) != magic {
		return fmt.Errorf("mem: invalid file format: magic mismatch")
	}
	var version uint8
	if err := binary.Read(br, binary.LittleEndian, &version); err != nil {
		return err
	}
	if version != fileVersion {
		return fmt.Errorf("mem: unsupported file version %d (want %d)", version, fileVersion)
	}
	var seq uint64
	if err := binary.Read(br, binary.LittleEndian, &seq); err != nil {
		return err
	}

	fresh := New()

	var colCount uint64
	if err := binary.Read(br, binary.LittleEndian, &colCount); err != nil {
		return err
	}
	for i := uint64(0); i < colCount; i++ {
		var colID uint32
		var nameLen uint32
		if err := binary.Read(br, binary.LittleEndian, &colID); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &nameLen); err != nil {
			return err
		}
		nameBuf := make([]byte, nameLen)
		if _, err := io.ReadFull(br, nameBuf); err != nil {
			return err
		}
		col := task.CollectionID(colID)
		name := string(nameBuf)
		if col == task.DefaultCollection {
			continue // fresh already carries the default collection
		}
		c := newCollection(col, name)
		fresh.byID.Store(col, c)
		fresh.byName.Store(name, col)
		if uint32(col) >= fresh.nextID.Load() {
			fresh.nextID.Store(uint32(col) + 1)
		}
	}

	var count uint64
	if err := binary.Read(br, binary.LittleEndian, &count); err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		var colID uint32
		var key uint64
		var vlen uint32
		if err := binary.Read(br, binary.LittleEndian, &colID); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &key); err != nil {
			return err
		}
		if err := binary.Read(br, binary.LittleEndian, &vlen); err != nil {
			return err
		}
		value := make([]byte, vlen)
		if _, err := io.ReadFull(br, value); err != nil {
			return err
		}
		if err := fresh.Put(task.CollectionID(colID), key, value, 0); err != nil {
			return err
		}
	}

	// Each reloaded Put above stamped its chain with a fresh version, so
	// never resume below those.
	if cur := fresh.version.Load(); cur > seq {
		seq = cur
	}
	fresh.version.Store(seq)
	d.applyMu.Lock()
	defer d.applyMu.Unlock()
	d.collMu.Lock()
	defer d.collMu.Unlock()
	d.byID = fresh.byID
	d.byName = fresh.byName
	d.nextID.Store(fresh.nextID.Load())
	d.version.Store(fresh.version.Load())
	d.persistedSeq.Store(fresh.persistedSeq.Load())
	return nil
}
