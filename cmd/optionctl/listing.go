package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"optionchain/native/option"
	"optionchain/services/optiond"
)

// listingFile is the TOML document accepted by `optionctl list`.
//
//	Kind = "put"
//	Style = "european"
//	Strike = "100.00"
//	Decimals = 2
//	Expiration = "2025-12-19T21:00:00Z"
//	Oracle = "default"
//	Token = "USDC"
//	UnderlyingSymbol = "SPY"
type listingFile struct {
	Admin            string
	Kind             string
	Style            string
	Strike           string
	Decimals         uint32
	Expiration       string
	Oracle           string
	Token            string
	UnderlyingToken  string
	UnderlyingSymbol string
}

var kindBits = map[string]uint32{
	"put":         option.TypePut,
	"call":        option.TypeCall,
	"binary":      option.TypeBinary,
	"call_spread": option.TypeCallSpread,
	"put_spread":  option.TypePutSpread,
}

var styleBits = map[string]uint32{
	"european": option.TypeEuropean,
	"american": option.TypeAmerican,
}

func loadListing(path string) (*listingFile, error) {
	var l listingFile
	meta, err := toml.DecodeFile(path, &l)
	if err != nil {
		return nil, fmt.Errorf("decode listing: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("unknown listing field %q", undecoded[0].String())
	}
	return &l, nil
}

// body converts the listing into the wire request. admin is used when the
// file leaves Admin empty.
func (l *listingFile) body(admin string) (optiond.ListBody, error) {
	kind := strings.ToLower(strings.TrimSpace(l.Kind))
	if kind == "" {
		kind = "put"
	}
	kindMask, ok := kindBits[kind]
	if !ok {
		return optiond.ListBody{}, fmt.Errorf("unknown kind %q", l.Kind)
	}
	style := strings.ToLower(strings.TrimSpace(l.Style))
	if style == "" {
		style = "european"
	}
	styleMask, ok := styleBits[style]
	if !ok {
		return optiond.ListBody{}, fmt.Errorf("unknown style %q", l.Style)
	}
	if strings.TrimSpace(l.Strike) == "" {
		return optiond.ListBody{}, errors.New("strike is required")
	}
	strike, err := optiond.ParseFixed(l.Strike, l.Decimals)
	if err != nil {
		return optiond.ListBody{}, fmt.Errorf("strike: %w", err)
	}
	expiry, err := parseExpiration(l.Expiration)
	if err != nil {
		return optiond.ListBody{}, err
	}
	if strings.TrimSpace(l.Token) == "" {
		return optiond.ListBody{}, errors.New("token is required")
	}
	if strings.TrimSpace(l.Admin) != "" {
		admin = strings.TrimSpace(l.Admin)
	}
	oracleRef := strings.TrimSpace(l.Oracle)
	if oracleRef == "" {
		oracleRef = "default"
	}
	return optiond.ListBody{
		Admin:            admin,
		OptionType:       kindMask | styleMask,
		Strike:           strike.String(),
		Decimals:         l.Decimals,
		Expiration:       expiry,
		Oracle:           oracleRef,
		Token:            strings.TrimSpace(l.Token),
		UnderlyingToken:  strings.TrimSpace(l.UnderlyingToken),
		UnderlyingSymbol: strings.TrimSpace(l.UnderlyingSymbol),
	}, nil
}

// parseExpiration accepts RFC3339 or unix seconds.
func parseExpiration(raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("expiration is required")
	}
	if secs, err := strconv.ParseUint(raw, 10, 64); err == nil {
		return secs, nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return 0, fmt.Errorf("expiration %q must be RFC3339 or unix seconds", raw)
	}
	if ts.Unix() <= 0 {
		return 0, fmt.Errorf("expiration %q predates the epoch", raw)
	}
	return uint64(ts.Unix()), nil
}
