// lock_other.go: Advisory file locking fallback
//
// Copyright (c) 2025 AGILira
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

//go:build !(linux || darwin || freebsd || netbsd || openbsd || dragonfly)

package mneme

import "os"

const lockingSupported = false

func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
