// Package metadata writes empty, well-formed thin-pool metadata onto a raw
// block device before the pool is brought up.
//
// The metadata format is owned by thin-provisioning-tools; we describe the
// empty pool as a superblock XML document and have thin_restore render it
// onto the device. This must run exactly once per pool, after the metadata
// device exists and before the pool control structure is created. Running
// it against an active pool is destructive; sequencing is the lifecycle
// coordinator's job, not re-checked here.
package metadata

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/superfly/dmthin/cmdrun"
)

// SectorSize is the control layer's sector unit in bytes.
const SectorSize = 512

// Initializer renders empty pool metadata through thin_restore.
type Initializer struct {
	runner cmdrun.Runner
	logger logrus.FieldLogger
}

// NewInitializer creates an Initializer. A nil logger falls back to the
// standard logger.
func NewInitializer(runner cmdrun.Runner, logger logrus.FieldLogger) *Initializer {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Initializer{
		runner: runner,
		logger: logger.WithField("component", "metadata-initializer"),
	}
}

// InitializeEmptyPool writes an empty pool-metadata structure onto the
// metadata device.
//
// dataBlockCount is (dataSizeBytes / 512) / blockSizeSectors with integer
// division; any remainder is silently dropped, mirroring the fact that the
// data device's usable capacity is block-aligned.
//
// Returns *FormatError if the description cannot be produced or is rejected
// by the driver, *WriteError if rendering onto the device fails.
func (in *Initializer) InitializeEmptyPool(ctx context.Context, metadataDevicePath string, dataSizeBytes, blockSizeSectors int64) error {
	if blockSizeSectors <= 0 {
		return &FormatError{Reason: fmt.Sprintf("block size must be positive: %d sectors", blockSizeSectors)}
	}

	dataSizeSectors := dataSizeBytes / SectorSize
	dataBlockCount := dataSizeSectors / blockSizeSectors
	if dataBlockCount <= 0 {
		return &FormatError{Reason: fmt.Sprintf("data size %d bytes yields no whole %d-sector blocks", dataSizeBytes, blockSizeSectors)}
	}

	logger := in.logger.WithFields(logrus.Fields{
		"metadata_device":    metadataDevicePath,
		"block_size_sectors": blockSizeSectors,
		"data_block_count":   dataBlockCount,
	})
	logger.Info("initializing empty pool metadata")

	// thin-provisioning-tools consume the XML representation of the
	// metadata structure.
	superblock := fmt.Sprintf(
		`<superblock uuid="" time="0" transaction="0" data_block_size="%d" nr_data_blocks="%d"></superblock>`,
		blockSizeSectors, dataBlockCount,
	)

	xmlFile, err := os.CreateTemp("", "dmthin-metadata-*.xml")
	if err != nil {
		return &FormatError{Reason: fmt.Sprintf("create description file: %v", err)}
	}
	xmlPath := xmlFile.Name()
	defer os.Remove(xmlPath)

	if _, err := xmlFile.WriteString(superblock); err != nil {
		xmlFile.Close()
		return &FormatError{Reason: fmt.Sprintf("write description file: %v", err)}
	}
	if err := xmlFile.Close(); err != nil {
		return &FormatError{Reason: fmt.Sprintf("close description file: %v", err)}
	}

	output, err := in.runner.CombinedOutput(ctx, "thin_restore", "-i", xmlPath, "-o", metadataDevicePath)
	if err != nil {
		outputStr := string(output)
		logger.WithFields(logrus.Fields{
			"error":  err.Error(),
			"output": outputStr,
		}).Error("thin_restore failed")

		if looksLikeFormatRejection(outputStr) {
			return &FormatError{Reason: fmt.Sprintf("driver rejected description: %v (output: %s)", err, outputStr)}
		}
		return &WriteError{Device: metadataDevicePath, Reason: fmt.Sprintf("%v (output: %s)", err, outputStr)}
	}

	logger.Info("pool metadata initialized")
	return nil
}

// looksLikeFormatRejection classifies thin_restore output between "your
// description is malformed" and "I could not write to the device".
func looksLikeFormatRejection(output string) bool {
	lower := strings.ToLower(output)
	for _, pattern := range []string{"parse", "invalid", "malformed", "bad xml"} {
		if strings.Contains(lower, pattern) {
			return true
		}
	}
	return false
}
