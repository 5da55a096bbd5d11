package devapi

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"unicode"

	"github.com/go-chi/chi/v5"

	"github.com/briangreenhill/cellarsync/cellar"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
	maxMatches      = 20
	layoutRows      = 6
	layoutColumns   = 8
)

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if len(s.Signer.Secret) == 0 {
		writeError(w, http.StatusNotFound, "token signing is disabled")
		return
	}
	var body struct {
		Subject string `json:"subject"`
	}
	if err := decodeBody(r, &body); err != nil || strings.TrimSpace(body.Subject) == "" {
		writeError(w, http.StatusBadRequest, "subject required")
		return
	}
	tok, exp, err := s.Signer.Issue(strings.TrimSpace(body.Subject), TokenTTL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": tok, "expiresAt": exp.UTC()})
}

func (s *Server) handleInventory(w http.ResponseWriter, r *http.Request) {
	f, page, size, err := parseFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lots, err := s.Repo.Lots(r.Context(), f.CellarID)
	if err != nil {
		s.writeRepoError(w, r, "inventory", err)
		return
	}

	matched := filterLots(inStock(lots), f)
	sortLots(matched, f.Sort)

	out := cellar.InventoryPage{Lots: []cellar.Lot{}, Total: len(matched), Page: page, PageSize: size}
	start := (page - 1) * size
	if start < len(matched) {
		end := min(start+size, len(matched))
		out.Lots = matched[start:end]
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateLot(w http.ResponseWriter, r *http.Request) {
	var in cellar.NewLot
	if err := decodeBody(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	in.Wine.Name = strings.TrimSpace(in.Wine.Name)
	switch {
	case in.CellarID <= 0:
		writeError(w, http.StatusBadRequest, "cellarId required")
		return
	case in.Wine.Name == "":
		writeError(w, http.StatusBadRequest, "wine name required")
		return
	case in.Quantity < 1:
		writeError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}
	lot, err := s.Repo.CreateLot(r.Context(), in)
	if err != nil {
		s.writeRepoError(w, r, "lot", err)
		return
	}
	writeJSON(w, http.StatusCreated, lot)
}

func (s *Server) handleLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	lot, err := s.Repo.Lot(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, r, "lot", err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handleUpdateLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var u cellar.LotUpdate
	if err := decodeBody(r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if u.Quantity != nil && *u.Quantity < 0 {
		writeError(w, http.StatusBadRequest, "quantity must not be negative")
		return
	}
	lot, err := s.Repo.UpdateLot(r.Context(), id, u)
	if err != nil {
		s.writeRepoError(w, r, "lot", err)
		return
	}
	writeJSON(w, http.StatusOK, lot)
}

func (s *Server) handleDeleteLot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Repo.DeleteLot(r.Context(), id); err != nil {
		s.writeRepoError(w, r, "lot", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleConsume(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req cellar.ConsumeRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Quantity < 1 {
		writeError(w, http.StatusBadRequest, "quantity must be at least 1")
		return
	}
	if req.Rating < 0 || req.Rating > 5 {
		writeError(w, http.StatusBadRequest, "rating must be between 0 and 5")
		return
	}
	out, err := s.Repo.Consume(r.Context(), id, req)
	if err != nil {
		s.writeRepoError(w, r, "lot", err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	cellarID, err := intParam(r.URL.Query(), "cellarId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lots, err := s.Repo.Lots(r.Context(), cellarID)
	if err != nil {
		s.writeRepoError(w, r, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, computeStats(inStock(lots), s.Now().Year()))
}

func (s *Server) handleFacets(w http.ResponseWriter, r *http.Request) {
	cellarID, err := intParam(r.URL.Query(), "cellarId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lots, err := s.Repo.Lots(r.Context(), cellarID)
	if err != nil {
		s.writeRepoError(w, r, "filters", err)
		return
	}
	writeJSON(w, http.StatusOK, computeFacets(inStock(lots)))
}

func (s *Server) handleWishlist(w http.ResponseWriter, r *http.Request) {
	items, err := s.Repo.Wishlist(r.Context())
	if err != nil {
		s.writeRepoError(w, r, "wishlist", err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleAddWishlist(w http.ResponseWriter, r *http.Request) {
	var item cellar.WishlistItem
	if err := decodeBody(r, &item); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	item.WineName = strings.TrimSpace(item.WineName)
	if item.WineName == "" {
		writeError(w, http.StatusBadRequest, "wineName required")
		return
	}
	out, err := s.Repo.AddWishlist(r.Context(), item)
	if err != nil {
		s.writeRepoError(w, r, "wishlist item", err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRemoveWishlist(w http.ResponseWriter, r *http.Request) {
	id, err := url.PathUnescape(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid wishlist id")
		return
	}
	if err := s.Repo.RemoveWishlist(r.Context(), id); err != nil {
		s.writeRepoError(w, r, "wishlist item", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeJSON(w, http.StatusOK, []cellar.WineMatch{})
		return
	}
	lots, err := s.Repo.Lots(r.Context(), 0)
	if err != nil {
		s.writeRepoError(w, r, "wines", err)
		return
	}
	writeJSON(w, http.StatusOK, searchWines(lots, q))
}

func (s *Server) handleConsumption(w http.ResponseWriter, r *http.Request) {
	cellarID, err := intParam(r.URL.Query(), "cellarId")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.Repo.Consumption(r.Context(), cellarID)
	if err != nil {
		s.writeRepoError(w, r, "consumption", err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleLayout(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	lots, err := s.Repo.Lots(r.Context(), id)
	if err != nil {
		s.writeRepoError(w, r, "cellar", err)
		return
	}
	writeJSON(w, http.StatusOK, buildLayout(id, inStock(lots)))
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func intParam(q url.Values, name string) (int64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func floatParam(q url.Values, name string) (float64, error) {
	v := q.Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return n, nil
}

func parseFilter(q url.Values) (f cellar.InventoryFilter, page, size int, err error) {
	var cellarID, vmin, vmax, p, ps int64
	ints := []struct {
		name string
		dst  *int64
	}{
		{"cellarId", &cellarID},
		{"vintageMin", &vmin},
		{"vintageMax", &vmax},
		{"page", &p},
		{"pageSize", &ps},
	}
	for _, i := range ints {
		if *i.dst, err = intParam(q, i.name); err != nil {
			return
		}
	}
	if f.PriceMin, err = floatParam(q, "priceMin"); err != nil {
		return
	}
	if f.PriceMax, err = floatParam(q, "priceMax"); err != nil {
		return
	}

	f.CellarID = cellarID
	f.VintageMin = int(vmin)
	f.VintageMax = int(vmax)
	f.Query = strings.TrimSpace(q.Get("q"))
	f.Color = q.Get("color")
	f.Region = q.Get("region")
	f.Sort = q.Get("sort")
	f.Page = int(p)

	page = max(int(p), 1)
	size = int(ps)
	if size <= 0 {
		size = defaultPageSize
	}
	size = min(size, maxPageSize)
	return f, page, size, nil
}

func inStock(lots []cellar.Lot) []cellar.Lot {
	out := make([]cellar.Lot, 0, len(lots))
	for _, l := range lots {
		if l.Quantity > 0 {
			out = append(out, l)
		}
	}
	return out
}

func filterLots(lots []cellar.Lot, f cellar.InventoryFilter) []cellar.Lot {
	terms := tokens(f.Query)
	out := make([]cellar.Lot, 0, len(lots))
	for _, l := range lots {
		switch {
		case f.Color != "" && !strings.EqualFold(l.Wine.Color, f.Color):
		case f.Region != "" && !strings.EqualFold(l.Wine.Region, f.Region):
		case f.VintageMin != 0 && l.Wine.Vintage < f.VintageMin:
		case f.VintageMax != 0 && l.Wine.Vintage > f.VintageMax:
		case f.PriceMin != 0 && l.PricePaid < f.PriceMin:
		case f.PriceMax != 0 && l.PricePaid > f.PriceMax:
		case len(terms) > 0 && matchScore(l.Wine, terms) < 1:
		default:
			out = append(out, l)
		}
	}
	return out
}

func sortLots(lots []cellar.Lot, by string) {
	desc := strings.HasPrefix(by, "-")
	by = strings.TrimPrefix(by, "-")
	less := func(a, b cellar.Lot) bool { return a.ID < b.ID }
	switch by {
	case "name":
		less = func(a, b cellar.Lot) bool { return strings.ToLower(a.Wine.Name) < strings.ToLower(b.Wine.Name) }
	case "vintage":
		less = func(a, b cellar.Lot) bool { return a.Wine.Vintage < b.Wine.Vintage }
	case "quantity":
		less = func(a, b cellar.Lot) bool { return a.Quantity < b.Quantity }
	case "price":
		less = func(a, b cellar.Lot) bool { return a.PricePaid < b.PricePaid }
	case "added":
		less = func(a, b cellar.Lot) bool { return a.AddedAt.Before(b.AddedAt) }
	}
	sort.SliceStable(lots, func(i, j int) bool {
		if desc {
			return less(lots[j], lots[i])
		}
		return less(lots[i], lots[j])
	})
}

func computeStats(lots []cellar.Lot, year int) cellar.Stats {
	st := cellar.Stats{ByColor: map[string]int{}, ByRegion: map[string]int{}}
	for _, l := range lots {
		st.TotalLots++
		st.TotalBottles += l.Quantity
		st.TotalValue += l.PricePaid * float64(l.Quantity)
		if l.Wine.Color != "" {
			st.ByColor[l.Wine.Color] += l.Quantity
		}
		if l.Wine.Region != "" {
			st.ByRegion[l.Wine.Region] += l.Quantity
		}
		if l.DrinkFrom != 0 && year >= l.DrinkFrom && (l.DrinkUntil == 0 || year <= l.DrinkUntil) {
			st.ReadyToDrink += l.Quantity
		}
	}
	return st
}

func computeFacets(lots []cellar.Lot) cellar.Facets {
	colors, regions, vintages := map[string]int{}, map[string]int{}, map[string]int{}
	for _, l := range lots {
		if l.Wine.Color != "" {
			colors[l.Wine.Color]++
		}
		if l.Wine.Region != "" {
			regions[l.Wine.Region]++
		}
		if l.Wine.Vintage != 0 {
			vintages[strconv.Itoa(l.Wine.Vintage)]++
		}
	}
	return cellar.Facets{Colors: counts(colors), Regions: counts(regions), Vintages: counts(vintages)}
}

func counts(m map[string]int) []cellar.FacetCount {
	out := make([]cellar.FacetCount, 0, len(m))
	for v, n := range m {
		out = append(out, cellar.FacetCount{Value: v, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Value < out[j].Value
	})
	return out
}

func tokens(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// matchScore is the fraction of terms found in the wine's searchable text.
func matchScore(w cellar.Wine, terms []string) float64 {
	hay := tokens(strings.Join([]string{
		w.Name, w.Producer, w.Region, w.Country, w.Grape, w.Color, strconv.Itoa(w.Vintage),
	}, " "))
	found := 0
	for _, t := range terms {
		for _, h := range hay {
			if strings.HasPrefix(h, t) {
				found++
				break
			}
		}
	}
	return float64(found) / float64(len(terms))
}

func searchWines(lots []cellar.Lot, q string) []cellar.WineMatch {
	terms := tokens(q)
	out := []cellar.WineMatch{}
	if len(terms) == 0 {
		return out
	}
	seen := map[int64]bool{}
	for _, l := range lots {
		w := l.Wine
		if seen[w.ID] {
			continue
		}
		seen[w.ID] = true
		score := matchScore(w, terms)
		if score == 0 {
			continue
		}
		out = append(out, cellar.WineMatch{
			WineID: w.ID, Name: w.Name, Producer: w.Producer, Vintage: w.Vintage,
			Region: w.Region, Color: w.Color, Score: score,
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Name < out[j].Name
	})
	if len(out) > maxMatches {
		out = out[:maxMatches]
	}
	return out
}

// parsePosition reads rack positions like "B12" as row 2, column 12.
func parsePosition(p string) (row, col int, ok bool) {
	p = strings.ToUpper(strings.TrimSpace(p))
	if len(p) < 2 || p[0] < 'A' || p[0] > 'Z' {
		return 0, 0, false
	}
	col, err := strconv.Atoi(p[1:])
	if err != nil || col < 1 {
		return 0, 0, false
	}
	return int(p[0]-'A') + 1, col, true
}

func buildLayout(cellarID int64, lots []cellar.Lot) cellar.CellarLayout {
	rows, cols := layoutRows, layoutColumns
	placed := map[string]cellar.Lot{}
	for _, l := range lots {
		r, c, ok := parsePosition(l.Location)
		if !ok {
			continue
		}
		rows, cols = max(rows, r), max(cols, c)
		pos := fmt.Sprintf("%c%d", 'A'+r-1, c)
		if _, taken := placed[pos]; !taken {
			placed[pos] = l
		}
	}

	out := cellar.CellarLayout{
		CellarID: cellarID,
		Name:     fmt.Sprintf("Cellar %d", cellarID),
		Rows:     rows,
		Columns:  cols,
		Slots:    make([]cellar.Slot, 0, rows*cols),
	}
	for r := 1; r <= rows; r++ {
		for c := 1; c <= cols; c++ {
			pos := fmt.Sprintf("%c%d", 'A'+r-1, c)
			slot := cellar.Slot{Position: pos}
			if l, ok := placed[pos]; ok {
				slot.LotID = l.ID
				slot.WineName = l.Wine.Name
			}
			out.Slots = append(out.Slots, slot)
		}
	}
	return out
}
