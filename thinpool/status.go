package thinpool

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// PoolStatus is the structured form of the control layer's status line for a
// thin pool.
type PoolStatus struct {
	TransactionID       uint64
	UsedMetadataBlocks  uint64
	TotalMetadataBlocks uint64
	UsedDataBlocks      uint64
	TotalDataBlocks     uint64
	// Mode is the pool's operating mode (rw, ro, out_of_data_space...).
	Mode string
}

// UsedDataPercent returns data usage as a percentage, or 0 when the pool
// reports no data blocks.
func (s *PoolStatus) UsedDataPercent() float64 {
	if s.TotalDataBlocks == 0 {
		return 0
	}
	return float64(s.UsedDataBlocks) / float64(s.TotalDataBlocks) * 100.0
}

// ParsedStatus fetches and parses the pool's status line.
func (p *Pool) ParsedStatus(ctx context.Context) (*PoolStatus, error) {
	raw, err := p.Status(ctx)
	if err != nil {
		return nil, err
	}
	return ParseStatus(raw)
}

// ParseStatus parses one dmsetup status line for a thin-pool target:
//
//	<start> <length> thin-pool <tid> <used>/<total> <used>/<total> ...
//
// where the first used/total pair is metadata blocks and the second is data
// blocks.
func ParseStatus(raw string) (*PoolStatus, error) {
	line := strings.TrimSpace(raw)
	parts := strings.Fields(line)
	if len(parts) < 6 {
		return nil, fmt.Errorf("unexpected status format: %q", line)
	}
	if parts[2] != "thin-pool" {
		return nil, fmt.Errorf("not a thin-pool status line: %q", line)
	}

	tid, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("bad transaction id %q: %w", parts[3], err)
	}
	usedMeta, totalMeta, err := parseBlockPair(parts[4])
	if err != nil {
		return nil, fmt.Errorf("bad metadata usage %q: %w", parts[4], err)
	}
	usedData, totalData, err := parseBlockPair(parts[5])
	if err != nil {
		return nil, fmt.Errorf("bad data usage %q: %w", parts[5], err)
	}

	s := &PoolStatus{
		TransactionID:       tid,
		UsedMetadataBlocks:  usedMeta,
		TotalMetadataBlocks: totalMeta,
		UsedDataBlocks:      usedData,
		TotalDataBlocks:     totalData,
	}
	if len(parts) > 7 {
		s.Mode = parts[7]
	}
	return s, nil
}

func parseBlockPair(s string) (used, total uint64, err error) {
	used64, rest, found := strings.Cut(s, "/")
	if !found {
		return 0, 0, fmt.Errorf("missing separator")
	}
	used, err = strconv.ParseUint(used64, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	total, err = strconv.ParseUint(rest, 10, 64)
	if err != nil {
		return 0, 0, err
	}
	return used, total, nil
}
