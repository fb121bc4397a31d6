/*
Package dna implements the binary encoding of object mutation records ("DNA"),
the literal values they carry, and the transaction batches clients submit.

Every stream carries its own string table (ObjectStringSerializer) so that class
names, field names and interned strings are written once and referenced by index
thereafter.  Values and records are laid out with msgpack primitives.

A malformed stream yields a *DecodeError.  Callers treat it as a corrupt transaction
and tear down the connection that produced it.
*/
package dna
