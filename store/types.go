// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/cask-foundation/cask/lib/wire"
)

// StorePath is the printable identifier of an immutable object in the
// content-addressed store, e.g. "/nix/store/<hash>-<name>". The client
// treats it as opaque; it travels as a length-prefixed string.
type StorePath string

// baseName returns the path's final component, the form some
// operations (build-log upload) want instead of the full path.
func (p StorePath) baseName() string {
	if i := strings.LastIndexByte(string(p), '/'); i >= 0 {
		return string(p)[i+1:]
	}
	return string(p)
}

func writeStorePaths(w io.Writer, paths []StorePath) error {
	elems := make([]string, len(paths))
	for i, p := range paths {
		elems[i] = string(p)
	}
	return wire.WriteStrings(w, elems)
}

func readStorePaths(r io.Reader) ([]StorePath, error) {
	elems, err := wire.ReadStrings(r)
	if err != nil {
		return nil, err
	}
	paths := make([]StorePath, len(elems))
	for i, s := range elems {
		paths[i] = StorePath(s)
	}
	return paths, nil
}

// TrustedFlag is the daemon's answer to whether it trusts this client
// to supply unsigned store objects.
type TrustedFlag uint8

const (
	// Trusted means the daemon accepts unsigned objects from us.
	Trusted TrustedFlag = 1
	// NotTrusted means it does not.
	NotTrusted TrustedFlag = 2
)

func (f TrustedFlag) String() string {
	switch f {
	case Trusted:
		return "trusted"
	case NotTrusted:
		return "not trusted"
	default:
		return fmt.Sprintf("trusted-flag(%d)", uint8(f))
	}
}

// readOptTrustedFlag decodes the optional trust flag sent by daemons
// with minor >= 35: 0 = unknown, 1 = trusted, 2 = not trusted.
func readOptTrustedFlag(r io.Reader) (*TrustedFlag, error) {
	word, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	switch word {
	case 0:
		return nil, nil
	case 1, 2:
		flag := TrustedFlag(word)
		return &flag, nil
	default:
		return nil, wire.Errorf("invalid trusted flag %d", word)
	}
}

// HashAlgo names a hash algorithm in the daemon's spelling.
type HashAlgo string

const (
	HashMD5    HashAlgo = "md5"
	HashSHA1   HashAlgo = "sha1"
	HashSHA256 HashAlgo = "sha256"
	HashSHA512 HashAlgo = "sha512"
)

// IngestionMethod says how the bytes of a new store object are to be
// interpreted when deriving its content address.
type IngestionMethod int

const (
	// TextIngestion hashes the raw bytes and records them as a text
	// object. Requires SHA-256.
	TextIngestion IngestionMethod = iota
	// FlatIngestion hashes the raw bytes as a single file.
	FlatIngestion
	// RecursiveIngestion interprets the bytes as a NAR and hashes the
	// serialisation.
	RecursiveIngestion
)

// render produces the daemon's content-address-method spelling, e.g.
// "text:sha256", "fixed:sha256", "fixed:r:sha256".
func (m IngestionMethod) render(algo HashAlgo) string {
	switch m {
	case TextIngestion:
		return "text:" + string(algo)
	case FlatIngestion:
		return "fixed:" + string(algo)
	case RecursiveIngestion:
		return "fixed:r:" + string(algo)
	default:
		return string(algo)
	}
}

// ValidPathInfo is the daemon's metadata record for a store path.
type ValidPathInfo struct {
	Path StorePath

	// Deriver is the derivation that produced the path; empty if
	// unknown.
	Deriver StorePath

	// NarHash is the base16 hash of the path's NAR serialisation,
	// without an algorithm prefix.
	NarHash string

	References []StorePath

	// RegistrationTime is seconds since the Unix epoch.
	RegistrationTime uint64

	NarSize uint64

	// Ultimate marks a path built locally rather than substituted.
	Ultimate bool

	Sigs []string

	// CA is the rendered content address, empty for input-addressed
	// paths.
	CA string
}

// readValidPathInfo decodes a keyed ValidPathInfo (path first) as
// sent in add-to-store replies.
func readValidPathInfo(r io.Reader) (*ValidPathInfo, error) {
	path, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	info, err := readUnkeyedPathInfo(r)
	if err != nil {
		return nil, err
	}
	info.Path = StorePath(path)
	return info, nil
}

// readUnkeyedPathInfo decodes the unkeyed form, as sent in the
// query-path-info reply where the path is already known.
func readUnkeyedPathInfo(r io.Reader) (*ValidPathInfo, error) {
	info := &ValidPathInfo{}
	deriver, err := wire.ReadString(r)
	if err != nil {
		return nil, err
	}
	info.Deriver = StorePath(deriver)
	if info.NarHash, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if info.References, err = readStorePaths(r); err != nil {
		return nil, err
	}
	if info.RegistrationTime, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if info.NarSize, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if info.Ultimate, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if info.Sigs, err = wire.ReadStrings(r); err != nil {
		return nil, err
	}
	if info.CA, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	return info, nil
}

// writeValidPathInfo encodes the keyed form, used when streaming
// objects to the daemon in add-multiple-to-store.
func writeValidPathInfo(w io.Writer, info *ValidPathInfo) error {
	if err := wire.WriteString(w, string(info.Path)); err != nil {
		return err
	}
	if err := wire.WriteString(w, string(info.Deriver)); err != nil {
		return err
	}
	if err := wire.WriteString(w, info.NarHash); err != nil {
		return err
	}
	if err := writeStorePaths(w, info.References); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, info.RegistrationTime); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, info.NarSize); err != nil {
		return err
	}
	if err := wire.WriteBool(w, info.Ultimate); err != nil {
		return err
	}
	if err := wire.WriteStrings(w, info.Sigs); err != nil {
		return err
	}
	return wire.WriteString(w, info.CA)
}

// SubstitutablePathInfo describes a path a substituter can produce.
type SubstitutablePathInfo struct {
	Path         StorePath
	Deriver      StorePath
	References   []StorePath
	DownloadSize uint64
	NarSize      uint64
}

// DerivedPath is either a bare store path or a request for specific
// outputs of a derivation. The two cases are OpaquePath and BuiltPath;
// consumers dispatch with a type switch.
type DerivedPath interface {
	// render produces the single-string wire form.
	render() string
	isDerivedPath()
}

// OpaquePath is a DerivedPath naming a store path directly.
type OpaquePath struct {
	Path StorePath
}

func (p OpaquePath) render() string { return string(p.Path) }
func (OpaquePath) isDerivedPath()   {}

// BuiltPath is a DerivedPath requesting outputs of a derivation. An
// empty Outputs slice requests all outputs.
type BuiltPath struct {
	Drv     StorePath
	Outputs []string
}

func (p BuiltPath) render() string {
	if len(p.Outputs) == 0 {
		return string(p.Drv) + "!*"
	}
	outputs := make([]string, len(p.Outputs))
	copy(outputs, p.Outputs)
	sort.Strings(outputs)
	return string(p.Drv) + "!" + strings.Join(outputs, ",")
}
func (BuiltPath) isDerivedPath() {}

// parseDerivedPath inverts render.
func parseDerivedPath(s string) DerivedPath {
	drv, outputs, found := strings.Cut(s, "!")
	if !found {
		return OpaquePath{Path: StorePath(s)}
	}
	if outputs == "*" {
		return BuiltPath{Drv: StorePath(drv)}
	}
	return BuiltPath{Drv: StorePath(drv), Outputs: strings.Split(outputs, ",")}
}

func writeDerivedPaths(w io.Writer, paths []DerivedPath) error {
	if err := wire.WriteUint64(w, uint64(len(paths))); err != nil {
		return err
	}
	for _, p := range paths {
		if err := wire.WriteString(w, p.render()); err != nil {
			return err
		}
	}
	return nil
}

// DrvOutput identifies one output of a content-addressed derivation:
// the derivation's hash and the output name, rendered "<hash>!<name>".
type DrvOutput struct {
	DrvHash    string
	OutputName string
}

func (o DrvOutput) String() string { return o.DrvHash + "!" + o.OutputName }

// MarshalText renders the wire/JSON form.
func (o DrvOutput) MarshalText() ([]byte, error) {
	return []byte(o.String()), nil
}

// UnmarshalText parses the wire/JSON form.
func (o *DrvOutput) UnmarshalText(text []byte) error {
	hash, name, found := strings.Cut(string(text), "!")
	if !found {
		return fmt.Errorf("invalid derivation output id %q", text)
	}
	o.DrvHash, o.OutputName = hash, name
	return nil
}

// Realisation binds a DrvOutput to the concrete store path that
// realises it. Realisations travel as JSON text on the wire.
type Realisation struct {
	ID                    DrvOutput            `json:"id"`
	OutPath               StorePath            `json:"outPath"`
	Signatures            []string             `json:"signatures,omitempty"`
	DependentRealisations map[string]StorePath `json:"dependentRealisations,omitempty"`
}

func readRealisation(r io.Reader) (*Realisation, error) {
	text, err := wire.ReadBytes(r)
	if err != nil {
		return nil, err
	}
	realisation := &Realisation{}
	if err := json.Unmarshal(text, realisation); err != nil {
		return nil, wire.Errorf("malformed realisation: %v", err)
	}
	return realisation, nil
}

func writeRealisation(w io.Writer, realisation *Realisation) error {
	text, err := json.Marshal(realisation)
	if err != nil {
		return err
	}
	return wire.WriteBytes(w, text)
}

// BuildStatus is the daemon's verdict on one derived path.
type BuildStatus uint64

const (
	BuildStatusBuilt BuildStatus = iota
	BuildStatusSubstituted
	BuildStatusAlreadyValid
	BuildStatusPermanentFailure
	BuildStatusInputRejected
	BuildStatusOutputRejected
	BuildStatusTransientFailure
	BuildStatusCachedFailure
	BuildStatusTimedOut
	BuildStatusMiscFailure
	BuildStatusDependencyFailed
	BuildStatusLogLimitExceeded
	BuildStatusNotDeterministic
	BuildStatusResolvesToAlreadyValid
	BuildStatusNoSubstituters
)

// Success reports whether the status is one of the non-failure
// outcomes.
func (s BuildStatus) Success() bool {
	switch s {
	case BuildStatusBuilt, BuildStatusSubstituted, BuildStatusAlreadyValid, BuildStatusResolvesToAlreadyValid:
		return true
	}
	return false
}

// BuildResult is the outcome of building one derived path.
type BuildResult struct {
	Status   BuildStatus
	ErrorMsg string

	TimesBuilt         uint64
	IsNonDeterministic bool

	// StartTime and StopTime are seconds since the Unix epoch.
	StartTime uint64
	StopTime  uint64

	// CPUUser and CPUSystem are reported by daemons with minor >= 37
	// when cgroup accounting is available.
	CPUUser   *time.Duration
	CPUSystem *time.Duration

	// BuiltOutputs maps output names to their realisations.
	BuiltOutputs map[string]Realisation
}

// KeyedBuildResult pairs a BuildResult with the derived path it is
// the result for.
type KeyedBuildResult struct {
	Path DerivedPath
	BuildResult
}

func readBuildResult(r io.Reader, minor uint64) (*BuildResult, error) {
	result := &BuildResult{}
	status, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	result.Status = BuildStatus(status)
	if result.ErrorMsg, err = wire.ReadString(r); err != nil {
		return nil, err
	}
	if result.TimesBuilt, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if result.IsNonDeterministic, err = wire.ReadBool(r); err != nil {
		return nil, err
	}
	if result.StartTime, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if result.StopTime, err = wire.ReadUint64(r); err != nil {
		return nil, err
	}
	if minor >= 37 {
		if result.CPUUser, err = readOptMicroseconds(r); err != nil {
			return nil, err
		}
		if result.CPUSystem, err = readOptMicroseconds(r); err != nil {
			return nil, err
		}
	}
	// Daemons before minor 28 do not report built outputs at all.
	if minor >= 28 {
		count, err := wire.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		if count > wire.MaxCollectionLength {
			return nil, wire.Errorf("built outputs length %d exceeds maximum", count)
		}
		if count > 0 {
			result.BuiltOutputs = make(map[string]Realisation, count)
		}
		for i := uint64(0); i < count; i++ {
			idText, err := wire.ReadString(r)
			if err != nil {
				return nil, err
			}
			var id DrvOutput
			if err := id.UnmarshalText([]byte(idText)); err != nil {
				return nil, wire.Errorf("%v", err)
			}
			realisation, err := readRealisation(r)
			if err != nil {
				return nil, err
			}
			result.BuiltOutputs[id.OutputName] = *realisation
		}
	}
	return result, nil
}

// readOptMicroseconds decodes an optional duration: a presence word
// followed by microseconds when present.
func readOptMicroseconds(r io.Reader) (*time.Duration, error) {
	present, err := wire.ReadUint64(r)
	if err != nil {
		return nil, err
	}
	switch present {
	case 0:
		return nil, nil
	case 1:
		micros, err := wire.ReadUint64(r)
		if err != nil {
			return nil, err
		}
		d := time.Duration(micros) * time.Microsecond
		return &d, nil
	default:
		return nil, wire.Errorf("invalid optional tag %d", present)
	}
}

// DerivationOutput is one declared output of a BasicDerivation.
type DerivationOutput struct {
	Name string

	// Path is the output path, empty for content-addressed outputs
	// that are not known in advance.
	Path StorePath

	// HashAlgo and Hash are set for fixed-output derivations.
	HashAlgo string
	Hash     string
}

// BasicDerivation is a build recipe with its input derivations
// already resolved to concrete store paths.
type BasicDerivation struct {
	Outputs      []DerivationOutput
	InputSources []StorePath
	Platform     string
	Builder      string
	Args         []string
	Env          map[string]string
}

func writeBasicDerivation(w io.Writer, drv *BasicDerivation) error {
	if err := wire.WriteUint64(w, uint64(len(drv.Outputs))); err != nil {
		return err
	}
	for _, output := range drv.Outputs {
		if err := wire.WriteString(w, output.Name); err != nil {
			return err
		}
		if err := wire.WriteString(w, string(output.Path)); err != nil {
			return err
		}
		if err := wire.WriteString(w, output.HashAlgo); err != nil {
			return err
		}
		if err := wire.WriteString(w, output.Hash); err != nil {
			return err
		}
	}
	if err := writeStorePaths(w, drv.InputSources); err != nil {
		return err
	}
	if err := wire.WriteString(w, drv.Platform); err != nil {
		return err
	}
	if err := wire.WriteString(w, drv.Builder); err != nil {
		return err
	}
	if err := wire.WriteUint64(w, uint64(len(drv.Args))); err != nil {
		return err
	}
	for _, arg := range drv.Args {
		if err := wire.WriteString(w, arg); err != nil {
			return err
		}
	}
	return wire.WriteStringMap(w, drv.Env)
}

// GCAction selects what the garbage collector does.
type GCAction uint64

const (
	// GCReturnLive reports the set of live paths without deleting.
	GCReturnLive GCAction = 0
	// GCReturnDead reports the set of dead paths without deleting.
	GCReturnDead GCAction = 1
	// GCDeleteDead deletes everything unreachable.
	GCDeleteDead GCAction = 2
	// GCDeleteSpecific deletes exactly PathsToDelete, failing if any
	// is still live (unless IgnoreLiveness).
	GCDeleteSpecific GCAction = 3
)

// GCOptions parameterises a collect-garbage request.
type GCOptions struct {
	Action         GCAction
	PathsToDelete  []StorePath
	IgnoreLiveness bool

	// MaxFreed stops the collector after this many bytes; zero means
	// unlimited.
	MaxFreed uint64
}

// GCResults is the collector's report.
type GCResults struct {
	// Paths are the paths deleted (or reported, for the non-deleting
	// actions).
	Paths []string

	BytesFreed uint64
}

// MissingInfo is the daemon's plan for a set of build targets.
type MissingInfo struct {
	WillBuild      []StorePath
	WillSubstitute []StorePath
	Unknown        []StorePath
	DownloadSize   uint64
	NarSize        uint64
}
