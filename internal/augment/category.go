package augment

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"

	"golang.org/x/sync/errgroup"

	"ensemble/internal/gateway/repository/graph"
)

// DescribeCategory generates a new category's description and colour
// concurrently.
func (a *Augmenter) DescribeCategory(ctx context.Context, name string) (graph.CategoryDetails, error) {
	var details graph.CategoryDetails
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		reply, err := a.complete(gctx, FunctionalityDescribeCategory, a.msgs.CategoryDescription,
			fmt.Sprintf("Write a one sentence description of the category %q.", name))
		if err != nil {
			if fatal(err) {
				return err
			}
			a.log.WithError(err).WithField("category", name).Warn("category description failed")
			return nil
		}
		details.Description = strings.TrimSpace(reply)
		return nil
	})
	g.Go(func() error {
		colour, err := a.colour(gctx, name)
		if err != nil {
			return err
		}
		details.Colour = colour
		return nil
	})
	if err := g.Wait(); err != nil {
		return graph.CategoryDetails{}, err
	}
	return details, nil
}

func (a *Augmenter) colour(ctx context.Context, name string) (string, error) {
	if !a.aiColour {
		return HashColour(name), nil
	}
	reply, err := a.complete(ctx, FunctionalityDescribeCategory, a.msgs.ColourSelection,
		fmt.Sprintf("Pick a colour for the category %q. Reply with a hex colour like #1A2B3C only.", name))
	if err != nil {
		if fatal(err) {
			return "", err
		}
		a.log.WithError(err).Warn("colour selection failed; hashing name")
		return HashColour(name), nil
	}
	if c := hexColour.FindString(reply); c != "" {
		return strings.ToUpper(c), nil
	}
	return HashColour(name), nil
}

// HashColour derives a stable, mid-brightness #RRGGBB colour from name.
func HashColour(name string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	sum := h.Sum32()
	channel := func(shift uint) uint32 { return 0x40 + ((sum>>shift)&0xFF)%0xA0 }
	return fmt.Sprintf("#%02X%02X%02X", channel(0), channel(8), channel(16))
}
