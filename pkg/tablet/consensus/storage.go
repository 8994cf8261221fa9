package consensus

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"github.com/CVDpl/go-live-tablet/internal/common"
	"github.com/CVDpl/go-live-tablet/pkg/tablet/utils"
)

// FlushMode controls whether Flush may replace an existing META file.
type FlushMode int

const (
	// Overwrite replaces any existing META file.
	Overwrite FlushMode = iota
	// NoOverwrite fails with ErrAlreadyPresent if a META file exists.
	NoOverwrite
)

// Create initializes consensus metadata for a new tablet replica and writes
// the META file, refusing to clobber an existing one.
func Create(dir, tabletID string, peerID uint64, committed raftpb.ConfState, term uint64, logger common.Logger) (*Metadata, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}
	m := &Metadata{
		dir:        dir,
		tabletID:   tabletID,
		peerID:     peerID,
		activeRole: RoleUnknown,
		logger:     logger,
	}
	if err := verifyConfig(committed); err != nil {
		return nil, fmt.Errorf("invalid initial config: %w", err)
	}
	m.mu.Lock()
	m.committed = committed
	m.hardState.Term = term
	m.updateActiveRoleLocked()
	m.mu.Unlock()

	if err := m.Flush(NoOverwrite); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads consensus metadata from the META file in dir.
func Load(dir, tabletID string, peerID uint64, logger common.Logger) (*Metadata, error) {
	if logger == nil {
		logger = &common.NullLogger{}
	}
	m := &Metadata{
		dir:        dir,
		tabletID:   tabletID,
		peerID:     peerID,
		activeRole: RoleUnknown,
		logger:     logger,
	}

	path := filepath.Join(dir, common.FileConsensus)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read consensus metadata: %w", err)
	}
	m.mu.Lock()
	if err := m.decode(data); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("consensus metadata %s: %w", path, err)
	}
	m.updateActiveRoleLocked()
	m.mu.Unlock()

	logger.Info("loaded consensus metadata",
		"tablet", tabletID, "peer", peerID,
		"term", m.hardState.Term, "voters", len(m.committed.Voters))
	return m, nil
}

// Flush durably writes the hard state and configurations to the META file.
func (m *Metadata) Flush(mode FlushMode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Never write out a configuration that could not be loaded back.
	if err := verifyConfig(m.committed); err != nil {
		return fmt.Errorf("refusing to flush invalid config: %w", err)
	}

	path := filepath.Join(m.dir, common.FileConsensus)
	if mode == NoOverwrite && utils.FileExists(path) {
		return fmt.Errorf("%w: consensus metadata %s", common.ErrAlreadyPresent, path)
	}

	data, err := m.encode()
	if err != nil {
		return err
	}

	af, err := utils.NewAtomicFile(path)
	if err != nil {
		return fmt.Errorf("create consensus metadata file: %w", err)
	}
	defer af.Close()
	if _, err := af.Write(data); err != nil {
		return fmt.Errorf("write consensus metadata: %w", err)
	}
	if err := af.Commit(); err != nil {
		return fmt.Errorf("commit consensus metadata: %w", err)
	}

	m.flushCount.Add(1)
	m.logger.Debug("flushed consensus metadata",
		"tablet", m.tabletID, "peer", m.peerID, "term", m.hardState.Term)
	return nil
}

// DeleteOnDiskData removes the META file. The in-memory state of any loaded
// Metadata is untouched.
func DeleteOnDiskData(dir, tabletID string) error {
	path := filepath.Join(dir, common.FileConsensus)
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete consensus metadata for tablet %s: %w", tabletID, err)
	}
	return nil
}

// File layout: magic u32, version u16, payload, CRC32C(payload) u32.
// Payload: length-prefixed HardState, length-prefixed committed ConfState,
// presence byte + optional length-prefixed pending ConfState.

func (m *Metadata) encode() ([]byte, error) {
	var payload bytes.Buffer

	hs, err := m.hardState.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal hard state: %w", err)
	}
	writeLenPrefixed(&payload, hs)

	cc, err := m.committed.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal committed config: %w", err)
	}
	writeLenPrefixed(&payload, cc)

	if m.pending != nil {
		payload.WriteByte(1)
		pc, err := m.pending.Marshal()
		if err != nil {
			return nil, fmt.Errorf("marshal pending config: %w", err)
		}
		writeLenPrefixed(&payload, pc)
	} else {
		payload.WriteByte(0)
	}

	out := make([]byte, 0, 6+payload.Len()+4)
	out = binary.LittleEndian.AppendUint32(out, common.MagicConsensus)
	out = binary.LittleEndian.AppendUint16(out, common.VersionConsensus)
	out = append(out, payload.Bytes()...)
	out = binary.LittleEndian.AppendUint32(out, utils.ComputeCRC32C(payload.Bytes()))
	return out, nil
}

func (m *Metadata) decode(data []byte) error {
	if len(data) < 6+4 {
		return fmt.Errorf("%w: file too short (%d bytes)", common.ErrCorrupt, len(data))
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != common.MagicConsensus {
		return fmt.Errorf("%w: got 0x%08x, expected 0x%08x", common.ErrInvalidMagic, magic, common.MagicConsensus)
	}
	version := binary.LittleEndian.Uint16(data[4:6])
	if version != common.VersionConsensus {
		return fmt.Errorf("%w: got 0x%04x, expected 0x%04x", common.ErrUnsupportedVersion, version, common.VersionConsensus)
	}

	payload := data[6 : len(data)-4]
	crc := binary.LittleEndian.Uint32(data[len(data)-4:])
	if !utils.VerifyCRC32C(payload, crc) {
		return fmt.Errorf("%w: consensus metadata checksum mismatch", common.ErrCorrupt)
	}

	rd := bytes.NewReader(payload)

	hs, err := readLenPrefixed(rd)
	if err != nil {
		return fmt.Errorf("%w: hard state: %v", common.ErrCorrupt, err)
	}
	if err := m.hardState.Unmarshal(hs); err != nil {
		return fmt.Errorf("%w: hard state: %v", common.ErrCorrupt, err)
	}

	cc, err := readLenPrefixed(rd)
	if err != nil {
		return fmt.Errorf("%w: committed config: %v", common.ErrCorrupt, err)
	}
	if err := m.committed.Unmarshal(cc); err != nil {
		return fmt.Errorf("%w: committed config: %v", common.ErrCorrupt, err)
	}

	hasPending, err := rd.ReadByte()
	if err != nil {
		return fmt.Errorf("%w: pending flag: %v", common.ErrCorrupt, err)
	}
	if hasPending == 1 {
		pc, err := readLenPrefixed(rd)
		if err != nil {
			return fmt.Errorf("%w: pending config: %v", common.ErrCorrupt, err)
		}
		var pending raftpb.ConfState
		if err := pending.Unmarshal(pc); err != nil {
			return fmt.Errorf("%w: pending config: %v", common.ErrCorrupt, err)
		}
		m.pending = &pending
	}

	if rd.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", common.ErrCorrupt, rd.Len())
	}
	return nil
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	buf.Write(lenBuf[:])
	buf.Write(data)
}

func readLenPrefixed(rd *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(rd, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if int(n) > rd.Len() {
		return nil, fmt.Errorf("length %d exceeds remaining %d bytes", n, rd.Len())
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(rd, out); err != nil {
		return nil, err
	}
	return out, nil
}
