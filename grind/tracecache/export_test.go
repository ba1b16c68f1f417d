package tracecache

import "github.com/Emyrk/grindview/grind/callgrind"

// SetOpener swaps the parse function so tests can count and stall parses.
func (c *Cache) SetOpener(open func(path string) (*callgrind.File, error)) {
	c.open = open
}
