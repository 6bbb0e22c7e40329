// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package store

// The greeting words exchanged on connect. The client opens with
// workerMagic1 and the daemon answers with workerMagic2. These values
// are fixed by the installed base of daemons.
const (
	workerMagic1 = 0x6e697863
	workerMagic2 = 0x6478696f
)

// protocolVersion is the client's protocol version: major in the high
// byte, minor in the low byte.
const protocolVersion = 1<<8 | 37

// minSupportedMinor is the lowest daemon minor version the client
// still speaks. Daemons older than this predate framed uploads,
// structured errors, and most of the record layouts in types.go by a
// decade; refusing them early beats failing mid-operation.
const minSupportedMinor = 18

// protocolMajor and protocolMinor split a negotiated version word.
func protocolMajor(version uint64) uint64 { return version & 0xff00 }
func protocolMinor(version uint64) uint64 { return version & 0x00ff }

// Event stream tags. The daemon interleaves these between a request
// and its reply; see drainEvents. The values spell short ASCII tags
// and are likewise fixed by the installed base.
const (
	stderrWrite         = 0x64617416
	stderrRead          = 0x64617461
	stderrError         = 0x63787470
	stderrNext          = 0x6f6c6d67
	stderrStartActivity = 0x53545254
	stderrStopActivity  = 0x53544f50
	stderrResult        = 0x52534c54
	stderrLast          = 0x616c7473
)

// Operation codes, one per daemon operation. Gaps are operations that
// were removed from the protocol before this client's minimum
// supported version.
const (
	opIsValidPath                 = 1
	opQueryReferrers              = 6
	opAddToStore                  = 7
	opAddTextToStore              = 8
	opBuildPaths                  = 9
	opEnsurePath                  = 10
	opAddTempRoot                 = 11
	opFindRoots                   = 14
	opSetOptions                  = 19
	opCollectGarbage              = 20
	opQueryDerivationOutputs      = 22
	opQueryAllValidPaths          = 23
	opQueryPathInfo               = 26
	opQueryPathFromHashPart       = 29
	opQuerySubstitutablePathInfos = 30
	opQueryValidPaths             = 31
	opQuerySubstitutablePaths     = 32
	opQueryValidDerivers          = 33
	opOptimiseStore               = 34
	opVerifyStore                 = 35
	opBuildDerivation             = 36
	opAddSignatures               = 37
	opNarFromPath                 = 38
	opAddToStoreNar               = 39
	opQueryMissing                = 40
	opQueryDerivationOutputMap    = 41
	opRegisterDrvOutput           = 42
	opQueryRealisation            = 43
	opAddMultipleToStore          = 44
	opAddBuildLog                 = 45
	opBuildPathsWithResults       = 46
)

// Verbosity levels shared with the daemon. The set_options preamble
// and activity events carry these.
const (
	lvlError     = 0
	lvlWarn      = 1
	lvlNotice    = 2
	lvlInfo      = 3
	lvlTalkative = 4
	lvlChatty    = 5
	lvlDebug     = 6
	lvlVomit     = 7
)
