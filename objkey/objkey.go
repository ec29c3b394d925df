// Package objkey maps primary object kinds and optional parent identifiers
// onto the flat type-key space the allocation ledger understands. Keys are
// tagged variants internally and serialize to the flat string form (for
// example "table_50100") only at the transport edge. The package performs no
// I/O.
package objkey

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the primary object-kind vocabulary plus the pseudo kinds
// that only occur nested under a parent.
type Kind string

const (
	KindTable                  Kind = "table"
	KindTableExtension         Kind = "tableextension"
	KindPage                   Kind = "page"
	KindPageExtension          Kind = "pageextension"
	KindPageCustomization      Kind = "pagecustomization"
	KindCodeunit               Kind = "codeunit"
	KindReport                 Kind = "report"
	KindReportExtension        Kind = "reportextension"
	KindXMLPort                Kind = "xmlport"
	KindQuery                  Kind = "query"
	KindEnum                   Kind = "enum"
	KindEnumExtension          Kind = "enumextension"
	KindPermissionSet          Kind = "permissionset"
	KindPermissionSetExtension Kind = "permissionsetextension"
	KindProfile                Kind = "profile"
	KindInterface              Kind = "interface"

	// KindField addresses fields inside a table. Always nested.
	KindField Kind = "field"
	// KindEnumValue addresses values inside an enum. Always nested.
	KindEnumValue Kind = "enumvalue"
)

var (
	// ErrUnknownKind rejects kinds outside the vocabulary.
	ErrUnknownKind = errors.New("objkey: unknown object kind")
	// ErrParentRequired rejects field/enumvalue requests without a parent.
	ErrParentRequired = errors.New("objkey: parent id required for nested kind")
	// ErrParentNotAllowed rejects parent ids on kinds that have no nested
	// namespace.
	ErrParentNotAllowed = errors.New("objkey: kind does not take a parent id")
	// ErrInvalidParent rejects non-positive parent ids. The parent must be a
	// plausible identifier in its own primary namespace.
	ErrInvalidParent = errors.New("objkey: parent id must be positive")
)

var kinds = map[Kind]struct{}{
	KindTable: {}, KindTableExtension: {}, KindPage: {}, KindPageExtension: {},
	KindPageCustomization: {}, KindCodeunit: {}, KindReport: {},
	KindReportExtension: {}, KindXMLPort: {}, KindQuery: {}, KindEnum: {},
	KindEnumExtension: {}, KindPermissionSet: {}, KindPermissionSetExtension: {},
	KindProfile: {}, KindInterface: {}, KindField: {}, KindEnumValue: {},
}

// Valid reports whether k belongs to the vocabulary.
func (k Kind) Valid() bool {
	_, ok := kinds[k]
	return ok
}

// ParseKind normalizes and validates a kind string.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if !k.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, s)
	}
	return k, nil
}

// container returns the primary namespace a nested request lives under, or
// "" when the kind has no nested namespace.
func container(k Kind) Kind {
	switch k {
	case KindTable, KindField:
		return KindTable
	case KindEnum, KindEnumValue:
		return KindEnum
	default:
		return ""
	}
}

// Key is an allocation namespace: either a primary object kind, or a nested
// namespace scoped to a specific parent object. The zero Key is invalid.
type Key struct {
	kind     Kind
	parentID int64
}

// Primary builds a top-level namespace key.
func Primary(kind Kind) (Key, error) {
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if kind == KindField || kind == KindEnumValue {
		return Key{}, fmt.Errorf("%w: %q", ErrParentRequired, kind)
	}
	return Key{kind: kind}, nil
}

// Nested builds a namespace key scoped under parentID. Only table/field and
// enum/enumvalue requests have nested namespaces.
func Nested(kind Kind, parentID int64) (Key, error) {
	if !kind.Valid() {
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	owner := container(kind)
	if owner == "" {
		return Key{}, fmt.Errorf("%w: %q", ErrParentNotAllowed, kind)
	}
	if parentID <= 0 {
		return Key{}, fmt.Errorf("%w: %d", ErrInvalidParent, parentID)
	}
	return Key{kind: owner, parentID: parentID}, nil
}

// Resolve maps a primary kind plus an optional parent identifier onto a Key.
// parentID <= 0 means absent.
func Resolve(kind Kind, parentID int64) (Key, error) {
	if parentID > 0 {
		return Nested(kind, parentID)
	}
	return Primary(kind)
}

// Kind returns the namespace's object kind. For nested keys this is the
// owning primary kind (table or enum).
func (k Key) Kind() Kind { return k.kind }

// ParentID returns the scoping parent identifier, or 0 for primary keys.
func (k Key) ParentID() int64 { return k.parentID }

// IsNested reports whether the key addresses a sub-object namespace.
func (k Key) IsNested() bool { return k.parentID > 0 }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.kind == "" }

// String renders the flat ledger form: the kind itself for primary keys,
// "<kind>_<parentID>" for nested ones.
func (k Key) String() string {
	if k.parentID > 0 {
		return string(k.kind) + "_" + strconv.FormatInt(k.parentID, 10)
	}
	return string(k.kind)
}

// Parse round-trips the flat string form back into a Key.
func Parse(s string) (Key, error) {
	s = strings.TrimSpace(s)
	if idx := strings.LastIndexByte(s, '_'); idx > 0 {
		if parentID, err := strconv.ParseInt(s[idx+1:], 10, 64); err == nil {
			kind, err := ParseKind(s[:idx])
			if err != nil {
				return Key{}, err
			}
			return Nested(kind, parentID)
		}
	}
	kind, err := ParseKind(s)
	if err != nil {
		return Key{}, err
	}
	return Primary(kind)
}
