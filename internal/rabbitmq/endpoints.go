package rabbitmq

import (
	"math/rand"

	"github.com/glimte/relaymq/contracts"
)

// SelectEndpoints picks a primary broker URL uniformly at random from urls.
// The returned alternates are the given alternates followed by the urls that
// were not chosen, in their original order. Neither input slice is modified.
// A nil rng uses the package-level source.
func SelectEndpoints(urls, alternates []string, rng *rand.Rand) (string, []string, error) {
	if len(urls) == 0 {
		return "", nil, contracts.NewConfigurationError("select endpoints", contracts.ErrEmptyEndpoints)
	}

	var idx int
	if rng != nil {
		idx = rng.Intn(len(urls))
	} else {
		idx = rand.Intn(len(urls))
	}

	alts := make([]string, 0, len(alternates)+len(urls)-1)
	alts = append(alts, alternates...)
	alts = append(alts, urls[:idx]...)
	alts = append(alts, urls[idx+1:]...)

	return urls[idx], alts, nil
}
