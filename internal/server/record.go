package server

import "github.com/amorison/pipeline/internal/digest"

func digestKindFor(fullHash bool) digest.Kind {
	if fullHash {
		return digest.Full
	}
	return digest.Shallow
}

func digestFor(hash string, kind digest.Kind) digest.Digest {
	return digest.Digest{Kind: kind, Hex: hash}
}
