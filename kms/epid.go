package kms

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/qvint/kmsd/wire"
)

// Application identifiers clients present.
var (
	AppWindows    = wire.MustGUID("55c92734-d682-4d71-983e-d6ec3f16059f")
	AppOffice2010 = wire.MustGUID("59a52881-a989-479d-af46-f275c6370663")
	AppOffice     = wire.MustGUID("0ff1ce15-a989-479d-af46-f275c6370663")
)

// epidParams selects the platform id and product-key range for an EPID by
// the requesting application.
type epidParams struct {
	platform string
	keyMin   uint32
	keyMax   uint32
}

var epidCatalog = map[wire.GUID]epidParams{
	AppWindows:    {platform: "05426", keyMin: 551000, keyMax: 570999},
	AppOffice2010: {platform: "55041", keyMin: 234000, keyMax: 255999},
	AppOffice:     {platform: "06401", keyMin: 437000, keyMax: 458999},
}

// Unknown applications fall back to the Windows parameters.
var epidFallback = epidCatalog[AppWindows]

const (
	epidGroup    = "00206"
	epidLicenses = 100
)

// EPIDFor returns the extended PID for a request: the configured override
// when set, otherwise a per-application synthesis of the form
// AAAAA-BBBBB-CCC-DDDEEE-FF-GGGG.
func (id *Identity) EPIDFor(appID wire.GUID, now time.Time) (string, error) {
	if id.EPID != "" {
		return id.EPID, nil
	}

	params, ok := epidCatalog[appID]
	if !ok {
		params = epidFallback
	}

	key, err := randRange(id.Rand, params.keyMin, params.keyMax)
	if err != nil {
		return "", fmt.Errorf("kms: epid synthesis: %w", err)
	}

	langHigh := (id.LCID >> 8) & 0xff
	return fmt.Sprintf("%s-%s-%03d-%06d-%02d-%04d",
		params.platform,
		epidGroup,
		epidLicenses,
		key,
		langHigh%100,
		now.UTC().Year()), nil
}

// randRange draws a uniform value in [min, max] from rng.
func randRange(rng io.Reader, min, max uint32) (uint32, error) {
	span := uint64(max - min + 1)
	var buf [8]byte
	if _, err := io.ReadFull(rng, buf[:]); err != nil {
		return 0, err
	}
	return min + uint32(binary.LittleEndian.Uint64(buf[:])%span), nil
}
