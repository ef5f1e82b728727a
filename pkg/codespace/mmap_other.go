//go:build !unix

package codespace

import "github.com/pkg/errors"

func mapPages(size int) ([]byte, func() error, error) {
	return nil, nil, errors.New("anonymous mappings are not supported on this platform")
}
