package commands

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/briangreenhill/cellarsync/cellar"
	"github.com/briangreenhill/cellarsync/search"
)

// Default returns a registry with every cellar command.
func Default() *Registry {
	r := NewRegistry()
	r.Register(NewFunc("inventory", "List lots (-cellar, -q, -color, -region, -sort, -page)", runInventory))
	r.Register(NewFunc("lot", "Show one lot: lot <id>", runLot))
	r.Register(NewFunc("consume", "Record bottles drunk: consume <lot> [-n 1] [-rating 0-5] [-occasion text]", runConsume))
	r.Register(NewFunc("wishlist", "List the wishlist, or: wishlist add <name> | wishlist rm <id>", runWishlist))
	r.Register(NewFunc("search", "Search the wine catalogue: search <text>", runSearch))
	r.Register(NewFunc("stats", "Cellar totals (-cellar)", runStats))
	r.Register(NewFunc("history", "Consumption history (-cellar)", runHistory))
	r.Register(NewFunc("layout", "Rack layout: layout <cellar>", runLayout))
	r.Register(NewFunc("login", "Get a token from the API and store it: login <subject>", runLogin))
	r.Register(NewFunc("logout", "Forget the stored token", runLogout))
	r.Register(NewFunc("setup", "Write the config file interactively", runSetup))
	return r
}

func newFlags(name string, out io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(out)
	return fs
}

func parseID(s, what string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s %q", ErrUsage, what, s)
	}
	return id, nil
}

func runInventory(ctx context.Context, env *Env, args []string) error {
	var f cellar.InventoryFilter
	fs := newFlags("inventory", env.Out)
	fs.Int64Var(&f.CellarID, "cellar", 0, "cellar id, 0 for all")
	fs.StringVar(&f.Query, "q", "", "text filter")
	fs.StringVar(&f.Color, "color", "", "wine color")
	fs.StringVar(&f.Region, "region", "", "region")
	fs.IntVar(&f.VintageMin, "from", 0, "oldest vintage")
	fs.IntVar(&f.VintageMax, "to", 0, "youngest vintage")
	fs.Float64Var(&f.PriceMax, "max-price", 0, "highest price paid")
	fs.StringVar(&f.Sort, "sort", "", "name, vintage, quantity, price or added; prefix - to reverse")
	fs.IntVar(&f.Page, "page", 1, "page number")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	page, err := env.Client.Inventory(ctx, f)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tWINE\tVINTAGE\tQTY\tLOCATION\tDRINK")
	for _, l := range page.Lots {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\t%s\n", l.ID, wineLabel(l.Wine), vintage(l.Wine.Vintage), l.Quantity, l.Location, window(l))
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%d lots, page %d\n", page.Total, page.Page)
	return nil
}

func runLot(ctx context.Context, env *Env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: lot <id>", ErrUsage)
	}
	id, err := parseID(args[0], "lot id")
	if err != nil {
		return err
	}
	l, err := env.Client.Lot(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s %s\n", wineLabel(l.Wine), vintage(l.Wine.Vintage))
	fmt.Fprintf(env.Out, "  Region:   %s %s\n", l.Wine.Region, l.Wine.Country)
	fmt.Fprintf(env.Out, "  Bottles:  %d in cellar %d at %s\n", l.Quantity, l.CellarID, l.Location)
	fmt.Fprintf(env.Out, "  Paid:     %.2f\n", l.PricePaid)
	fmt.Fprintf(env.Out, "  Drink:    %s\n", window(l))
	if l.Notes != "" {
		fmt.Fprintf(env.Out, "  Notes:    %s\n", l.Notes)
	}
	return nil
}

func runConsume(ctx context.Context, env *Env, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("%w: consume <lot> [-n 1]", ErrUsage)
	}
	id, err := parseID(args[0], "lot id")
	if err != nil {
		return err
	}
	var req cellar.ConsumeRequest
	fs := newFlags("consume", env.Out)
	fs.IntVar(&req.Quantity, "n", 1, "bottles")
	fs.IntVar(&req.Rating, "rating", 0, "rating from 1 to 5")
	fs.StringVar(&req.Occasion, "occasion", "", "occasion")
	fs.StringVar(&req.Notes, "notes", "", "tasting notes")
	if err := fs.Parse(args[1:]); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}

	out, err := env.Client.Consume(ctx, id, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Consumed %d of %s, %d left\n", out.Event.Quantity, out.Event.WineName, out.Lot.Quantity)
	return nil
}

func runWishlist(ctx context.Context, env *Env, args []string) error {
	if len(args) > 0 {
		switch args[0] {
		case "add":
			name := strings.TrimSpace(strings.Join(args[1:], " "))
			if name == "" {
				return fmt.Errorf("%w: wishlist add <name>", ErrUsage)
			}
			item, err := env.Client.AddToWishlist(ctx, cellar.WishlistItem{WineName: name})
			if err != nil {
				return err
			}
			fmt.Fprintf(env.Out, "Added %s (%s)\n", item.WineName, item.ID)
			return nil
		case "rm", "remove":
			if len(args) != 2 {
				return fmt.Errorf("%w: wishlist rm <id>", ErrUsage)
			}
			return env.Client.RemoveFromWishlist(ctx, args[1])
		default:
			return fmt.Errorf("%w: unknown wishlist action %q", ErrUsage, args[0])
		}
	}

	items, err := env.Client.Wishlist(ctx)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		fmt.Fprintln(env.Out, "Wishlist is empty")
		return nil
	}
	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	for _, it := range items {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", it.ID, it.WineName, it.Producer, vintage(it.Vintage))
	}
	return tw.Flush()
}

func runSearch(ctx context.Context, env *Env, args []string) error {
	text := strings.TrimSpace(strings.Join(args, " "))
	if text == "" {
		return fmt.Errorf("%w: search <text>", ErrUsage)
	}
	s := env.Client.NewWineSearch()
	defer s.Close()

	done := make(chan search.Result[[]cellar.WineMatch], 1)
	unsubscribe := s.Subscribe(func(r search.Result[[]cellar.WineMatch]) {
		if r.Text == text && !r.Pending {
			select {
			case done <- r:
			default:
			}
		}
	})
	defer unsubscribe()
	s.Search(text)

	var res search.Result[[]cellar.WineMatch]
	select {
	case res = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil {
		return res.Err
	}
	if len(res.Data) == 0 {
		fmt.Fprintln(env.Out, "No wines found")
		return nil
	}
	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	for _, m := range res.Data {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.2f\n", m.WineID, m.Name, m.Producer, vintage(m.Vintage), m.Score)
	}
	return tw.Flush()
}

func runStats(ctx context.Context, env *Env, args []string) error {
	fs := newFlags("stats", env.Out)
	cellarID := fs.Int64("cellar", 0, "cellar id, 0 for all")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	st, err := env.Client.Stats(ctx, *cellarID)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "Bottles:        %d in %d lots\n", st.TotalBottles, st.TotalLots)
	fmt.Fprintf(env.Out, "Value:          %.2f\n", st.TotalValue)
	fmt.Fprintf(env.Out, "Ready to drink: %d\n", st.ReadyToDrink)
	return nil
}

func runHistory(ctx context.Context, env *Env, args []string) error {
	fs := newFlags("history", env.Out)
	cellarID := fs.Int64("cellar", 0, "cellar id, 0 for all")
	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("%w: %v", ErrUsage, err)
	}
	events, err := env.Client.Consumption(ctx, *cellarID)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(env.Out, 0, 4, 2, ' ', 0)
	for _, ev := range events {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", ev.ConsumedAt.Format(time.DateOnly), ev.WineName, ev.Quantity, ev.Occasion)
	}
	return tw.Flush()
}

func runLayout(ctx context.Context, env *Env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: layout <cellar>", ErrUsage)
	}
	id, err := parseID(args[0], "cellar id")
	if err != nil {
		return err
	}
	l, err := env.Client.Layout(ctx, id)
	if err != nil {
		return err
	}
	fmt.Fprintf(env.Out, "%s (%dx%d)\n", l.Name, l.Rows, l.Columns)
	for _, s := range l.Slots {
		if s.LotID != 0 {
			fmt.Fprintf(env.Out, "  %-4s %s\n", s.Position, s.WineName)
		}
	}
	return nil
}

func runLogin(ctx context.Context, env *Env, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: login <subject>", ErrUsage)
	}
	raw, err := env.API.Post(ctx, "/api/auth/token", map[string]string{"subject": args[0]})
	if err != nil {
		return err
	}
	var out struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expiresAt"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("decode token: %w", err)
	}
	if out.Token == "" {
		return errors.New("server returned no token")
	}
	if err := env.Creds.Set(ctx, out.Token); err != nil {
		return fmt.Errorf("store token: %w", err)
	}
	fmt.Fprintf(env.Out, "Logged in as %s until %s\n", args[0], out.ExpiresAt.Local().Format(time.RFC1123))
	return nil
}

func runLogout(ctx context.Context, env *Env, _ []string) error {
	if err := env.Creds.Clear(ctx); err != nil {
		return err
	}
	fmt.Fprintln(env.Out, "Logged out")
	return nil
}

func wineLabel(w cellar.Wine) string {
	if w.Producer == "" {
		return w.Name
	}
	return w.Producer + " " + w.Name
}

func vintage(v int) string {
	if v == 0 {
		return "NV"
	}
	return strconv.Itoa(v)
}

func window(l cellar.Lot) string {
	switch {
	case l.DrinkFrom == 0 && l.DrinkUntil == 0:
		return "-"
	case l.DrinkUntil == 0:
		return fmt.Sprintf("from %d", l.DrinkFrom)
	case l.DrinkFrom == 0:
		return fmt.Sprintf("until %d", l.DrinkUntil)
	default:
		return fmt.Sprintf("%d-%d", l.DrinkFrom, l.DrinkUntil)
	}
}
