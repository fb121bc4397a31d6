package dso

import "github.com/blang/semver"

// ProtocolVersion is the version of the wire protocol spoken by this server.
// Peers with the same major version can talk to each other.
var ProtocolVersion = semver.Version{Major: 1, Minor: 2, Patch: 0}

// CompatibleProtocol returns true if a peer announcing version s can talk to this server.
func CompatibleProtocol(s string) (bool, error) {
	v, err := semver.Parse(s)
	if err != nil {
		return false, err
	}
	if v.Major != ProtocolVersion.Major {
		return false, nil
	}
	return true, nil
}
