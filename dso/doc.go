/*
Package dso provides types, constants and functions shared by all packages of the
distributed object server: identifiers for objects, transactions, nodes and locks,
logging, serialization with compression and checksums, and command-line helpers.
It has no dependencies on other packages of this repo and can be used by all of them.
*/
package dso
