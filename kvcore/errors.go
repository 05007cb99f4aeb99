package kvcore

import "github.com/kvkolb/kvcore/kerr"

// invalidBatch wraps a strided-decode failure (bad stride/length
// combination) as the taxonomy's InvalidArgument kind.
func invalidBatch(op string, cause error) error {
	return kerr.Wrap(kerr.InvalidArgument, "decode "+op+" batch", cause)
}
