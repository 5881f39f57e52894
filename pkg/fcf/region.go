package fcf

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/lunixbochs/struc"

	"github.com/Nativu5/fcdisc/pkg/types"
)

// RegionSignature opens every configuration region blob.
const RegionSignature = "RG23"

// TLV types of the configuration region.
const (
	TLVFCoEParams uint8 = 0xA0
	TLVConnTable  uint8 = 0xA1
	TLVEnd        uint8 = 0xFF
)

// FCoE parameter flags.
const (
	ParamVLANValid  uint16 = 0x1
	ParamFCMapValid uint16 = 0x2
)

var (
	ErrRegionSignature = errors.New("config region: bad signature")
	ErrRegionTruncated = errors.New("config region: truncated")
)

type regionHeader struct {
	Signature [4]uint8 `struc:"[4]uint8"`
	Version   uint8    `struc:"uint8"`
	Rsvd      [3]uint8 `struc:"[3]uint8"`
}

type tlvHeader struct {
	Type uint8 `struc:"uint8"`
	// Words is the body length in 32-bit words.
	Words uint8  `struc:"uint8"`
	Rsvd  uint16 `struc:"uint16,little"`
}

type fcoeParamsTLV struct {
	Version uint8    `struc:"uint8"`
	Rsvd    uint8    `struc:"uint8"`
	Flags   uint16   `struc:"uint16,little"`
	VLANID  uint16   `struc:"uint16,little"`
	Rsvd2   uint16   `struc:"uint16,little"`
	FCMap   [3]uint8 `struc:"[3]uint8"`
	Pad     uint8    `struc:"uint8"`
}

const fcoeParamsSize = 12

type connEntryTLV struct {
	Rsvd       uint16 `struc:"uint16,little"`
	Flags      uint16 `struc:"uint16,little"`
	FabricName uint64 `struc:"uint64,big"`
	SwitchName uint64 `struc:"uint64,big"`
	VLANID     uint16 `struc:"uint16,little"`
	AddrMode   uint8  `struc:"uint8"`
	Rsvd2      uint8  `struc:"uint8"`
}

const connEntrySize = 24

// FCoEParams are the adapter-wide FCoE defaults of the region.
type FCoEParams struct {
	Version uint8
	Flags   uint16
	VLANID  uint16
	FCMap   [3]byte
}

// Region is the decoded configuration region.
type Region struct {
	Version uint8
	FCoE    *FCoEParams
	Conns   ConnList
}

// ParseRegion decodes a configuration region blob.
func ParseRegion(blob []byte) (*Region, error) {
	r := bytes.NewReader(blob)
	var hdr regionHeader
	if err := struc.Unpack(r, &hdr); err != nil {
		return nil, fmt.Errorf("%w: header: %v", ErrRegionTruncated, err)
	}
	if string(hdr.Signature[:]) != RegionSignature {
		return nil, fmt.Errorf("%w %q", ErrRegionSignature, string(hdr.Signature[:]))
	}
	out := &Region{Version: hdr.Version}

	for {
		if r.Len() == 0 {
			// Regions written without an end marker are accepted.
			return out, nil
		}
		var th tlvHeader
		if err := struc.Unpack(r, &th); err != nil {
			return nil, fmt.Errorf("%w: tlv header: %v", ErrRegionTruncated, err)
		}
		if th.Type == TLVEnd {
			return out, nil
		}
		body := make([]byte, int(th.Words)*4)
		if _, err := io.ReadFull(r, body); err != nil {
			return nil, fmt.Errorf("%w: tlv 0x%02x body", ErrRegionTruncated, th.Type)
		}
		switch th.Type {
		case TLVFCoEParams:
			if len(body) < fcoeParamsSize {
				return nil, fmt.Errorf("%w: fcoe params", ErrRegionTruncated)
			}
			var p fcoeParamsTLV
			if err := struc.Unpack(bytes.NewReader(body), &p); err != nil {
				return nil, fmt.Errorf("decode fcoe params: %w", err)
			}
			out.FCoE = &FCoEParams{Version: p.Version, Flags: p.Flags, VLANID: p.VLANID, FCMap: p.FCMap}
		case TLVConnTable:
			br := bytes.NewReader(body)
			for br.Len() >= connEntrySize {
				var e connEntryTLV
				if err := struc.Unpack(br, &e); err != nil {
					return nil, fmt.Errorf("decode connection entry: %w", err)
				}
				out.Conns = append(out.Conns, connFromTLV(e))
			}
		default:
			// Unknown TLVs are skipped.
		}
	}
}

func connFromTLV(e connEntryTLV) ConnEntry {
	return ConnEntry{
		Flags:      ConnFlag(e.Flags),
		FabricName: types.WWN(e.FabricName),
		SwitchName: types.WWN(e.SwitchName),
		VLANID:     e.VLANID,
	}
}

// EncodeRegion is the inverse of ParseRegion.
func EncodeRegion(reg *Region) ([]byte, error) {
	var buf bytes.Buffer
	hdr := regionHeader{Version: reg.Version}
	copy(hdr.Signature[:], RegionSignature)
	if err := struc.Pack(&buf, &hdr); err != nil {
		return nil, err
	}
	if reg.FCoE != nil {
		if err := struc.Pack(&buf, &tlvHeader{Type: TLVFCoEParams, Words: fcoeParamsSize / 4}); err != nil {
			return nil, err
		}
		p := fcoeParamsTLV{
			Version: reg.FCoE.Version,
			Flags:   reg.FCoE.Flags,
			VLANID:  reg.FCoE.VLANID,
			FCMap:   reg.FCoE.FCMap,
		}
		if err := struc.Pack(&buf, &p); err != nil {
			return nil, err
		}
	}
	if len(reg.Conns) > 0 {
		words := len(reg.Conns) * connEntrySize / 4
		if words > 0xFF {
			return nil, fmt.Errorf("connection table too large: %d entries", len(reg.Conns))
		}
		if err := struc.Pack(&buf, &tlvHeader{Type: TLVConnTable, Words: uint8(words)}); err != nil {
			return nil, err
		}
		for _, c := range reg.Conns {
			e := connEntryTLV{
				Flags:      uint16(c.Flags),
				FabricName: uint64(c.FabricName),
				SwitchName: uint64(c.SwitchName),
				VLANID:     c.VLANID,
			}
			if err := struc.Pack(&buf, &e); err != nil {
				return nil, err
			}
		}
	}
	if err := struc.Pack(&buf, &tlvHeader{Type: TLVEnd}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
