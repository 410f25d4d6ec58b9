// Package sentinel declares a const-able error type.
//
// The service signals conditions like "already evicting" or "record not
// found" with sentinel errors. Declared via errors.New they are package
// variables anyone can reassign; Error is a string type instead, so the
// sentinels become constants while still comparing through errors.Is
// across wrapped chains.
package sentinel
