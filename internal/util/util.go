// SPDX-FileCopyrightText: 2023 The Pion community <https://pion.ly>
// SPDX-License-Identifier: MIT

// Package util provides auxiliary functions internally used in the p2p package
package util

import (
	"strings"

	"github.com/pion/randutil"
)

const (
	runesAlpha       = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	runesCredentials = runesAlpha + "0123456789+/"

	// RFC 8445 section 5.3: ufrag at least 24 bits, pwd at least 128 bits
	// of randomness encoded with ice-chars.
	lenUfrag = 16
	lenPwd   = 32
)

//nolint:gochecknoglobals
var globalMathRandomGenerator = randutil.NewMathRandomGenerator()

// RandSeq generates a random alpha sequence of the requested length.
// It is not safe for secrets, use GenerateUfrag/GeneratePwd for those.
func RandSeq(n int) string {
	return globalMathRandomGenerator.GenerateString(n, runesAlpha)
}

// GenerateUfrag generates a random ICE username fragment.
func GenerateUfrag() (string, error) {
	return randutil.GenerateCryptoRandomString(lenUfrag, runesCredentials)
}

// GeneratePwd generates a random ICE password.
func GeneratePwd() (string, error) {
	return randutil.GenerateCryptoRandomString(lenPwd, runesCredentials)
}

// GenerateTiebreaker generates the 64 bit value used to resolve ICE role conflicts.
func GenerateTiebreaker() (uint64, error) {
	return randutil.CryptoUint64()
}

// FlattenErrs flattens multiple errors into one
func FlattenErrs(errs []error) error {
	errs2 := []error{}
	for _, e := range errs {
		if e != nil {
			errs2 = append(errs2, e)
		}
	}
	if len(errs2) == 0 {
		return nil
	}
	return multiError(errs2)
}

type multiError []error

func (me multiError) Error() string {
	var errstrings []string

	for _, err := range me {
		if err != nil {
			errstrings = append(errstrings, err.Error())
		}
	}

	if len(errstrings) == 0 {
		return "multiError must contain multiple error but is empty"
	}

	return strings.Join(errstrings, "\n")
}

func (me multiError) Is(err error) bool {
	for _, e := range me {
		if e == err { //nolint:errorlint
			return true
		}
		if me2, ok := e.(multiError); ok { //nolint:errorlint
			if me2.Is(err) {
				return true
			}
		}
	}
	return false
}
