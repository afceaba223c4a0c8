package reconcile

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/billfold-app/billfold/constants"
	"github.com/billfold-app/billfold/internal/common"
	"github.com/billfold-app/billfold/internal/oracle"
)

// Item is one editable line item under review. Amounts are exact decimals;
// VATPercent is always derived from VATCode and never set directly.
type Item struct {
	ID            string
	ReceiptID     uuid.UUID
	Page          int
	Name          string
	Category      string
	Amount        decimal.Decimal
	Date          string // YYYY-MM-DD
	Merchant      string
	VATCode       string
	VATPercent    float64
	Quantity      float64
	Unit          string
	Description   string
	MerchantTaxID string
	InvoiceNumber string
}

// GroupKey addresses one Page Group: the set of items attributed to one page
// of one receipt.
type GroupKey struct {
	ReceiptID uuid.UUID
	Page      int
}

// PageGroup holds its items as ordered ids into the workspace arena, not as
// copies. Splitting or deleting edits the id list in place, so an item can
// never end up in two groups.
type PageGroup struct {
	Key     GroupKey
	ItemIDs []string
}

// Workspace is the reconcile-then-commit working set: a flat arena of items
// keyed by a generated id, with Page Groups as index lists. Groups are
// ordered by receipt arrival order, then page ascending — the reviewer's
// previous/next navigation sequence.
type Workspace struct {
	items      map[string]*Item
	groups     []*PageGroup
	groupIndex map[GroupKey]*PageGroup
	arrival    map[uuid.UUID]int
	seq        int
}

func NewWorkspace() *Workspace {
	return &Workspace{
		items:      make(map[string]*Item),
		groupIndex: make(map[GroupKey]*PageGroup),
		arrival:    make(map[uuid.UUID]int),
	}
}

func (w *Workspace) nextID() string {
	w.seq++
	return fmt.Sprintf("it-%06d", w.seq)
}

// GroupByPage seeds the workspace with one receipt's raw extraction output.
// A group is created for every page in [1, pageCount] even when the oracle
// found nothing on it; an empty "no items on this page" page is a valid
// review stop. Raw item order within a page is preserved, but the page tag,
// not arrival order, decides which group an item lands in.
func (w *Workspace) GroupByPage(receiptID uuid.UUID, pageCount int, raw []oracle.RawExtractedItem) error {
	if _, seen := w.arrival[receiptID]; seen {
		return fmt.Errorf("%w: receipt %s already grouped", common.ErrInvalidInput, receiptID)
	}

	maxPage := pageCount
	for _, r := range raw {
		if r.Page > maxPage {
			maxPage = r.Page
		}
	}
	if maxPage < 1 {
		maxPage = 1
	}

	w.arrival[receiptID] = len(w.arrival)
	for page := 1; page <= maxPage; page++ {
		key := GroupKey{ReceiptID: receiptID, Page: page}
		g := &PageGroup{Key: key}
		w.groups = append(w.groups, g)
		w.groupIndex[key] = g
	}

	for _, r := range raw {
		amount, err := decimal.NewFromString(r.Amount)
		if err != nil {
			return fmt.Errorf("%w: amount %q", common.ErrInvalidInput, r.Amount)
		}
		item := &Item{
			ID:            w.nextID(),
			ReceiptID:     receiptID,
			Page:          r.Page,
			Name:          r.Name,
			Category:      r.Category,
			Amount:        amount,
			Date:          r.Date,
			Merchant:      r.Merchant,
			VATCode:       r.VATCode,
			Quantity:      r.Quantity,
			Unit:          r.Unit,
			Description:   r.Description,
			MerchantTaxID: r.MerchantTaxID,
			InvoiceNumber: r.InvoiceNumber,
		}
		if rate, ok := constants.VATRate(r.VATCode); ok {
			item.VATPercent = rate
		}
		w.items[item.ID] = item
		g := w.groupIndex[GroupKey{ReceiptID: receiptID, Page: r.Page}]
		g.ItemIDs = append(g.ItemIDs, item.ID)
	}

	w.sortGroups()
	return nil
}

func (w *Workspace) sortGroups() {
	sort.SliceStable(w.groups, func(i, j int) bool {
		a, b := w.groups[i], w.groups[j]
		if a.Key.ReceiptID != b.Key.ReceiptID {
			return w.arrival[a.Key.ReceiptID] < w.arrival[b.Key.ReceiptID]
		}
		return a.Key.Page < b.Key.Page
	})
}

// Groups returns the navigation sequence. The returned slice is shared;
// callers must not mutate it.
func (w *Workspace) Groups() []*PageGroup {
	return w.groups
}

// Item looks up one item by its workspace id.
func (w *Workspace) Item(id string) (*Item, bool) {
	item, ok := w.items[id]
	return item, ok
}

// Items returns every item in navigation order (group order, then position
// within the group).
func (w *Workspace) Items() []*Item {
	var out []*Item
	for _, g := range w.groups {
		for _, id := range g.ItemIDs {
			out = append(out, w.items[id])
		}
	}
	return out
}

// AddItem appends a blank item to a group. Receipt-level fields that repeat
// across line items — merchant, VAT code, fiscal identifiers, date, category,
// unit — are seeded from the group's first item so the reviewer does not
// re-enter them.
func (w *Workspace) AddItem(key GroupKey) (*Item, error) {
	g, ok := w.groupIndex[key]
	if !ok {
		return nil, fmt.Errorf("%w: no page group %s/%d", common.ErrNotFound, key.ReceiptID, key.Page)
	}

	item := &Item{
		ID:        w.nextID(),
		ReceiptID: key.ReceiptID,
		Page:      key.Page,
		Amount:    decimal.Zero,
		Quantity:  1,
		Unit:      "pcs",
		VATCode:   constants.VATStandard,
	}
	if len(g.ItemIDs) > 0 {
		tmpl := w.items[g.ItemIDs[0]]
		item.Merchant = tmpl.Merchant
		item.VATCode = tmpl.VATCode
		item.MerchantTaxID = tmpl.MerchantTaxID
		item.InvoiceNumber = tmpl.InvoiceNumber
		item.Date = tmpl.Date
		item.Category = tmpl.Category
		item.Unit = tmpl.Unit
	}
	item.VATPercent, _ = constants.VATRate(item.VATCode)

	w.items[item.ID] = item
	g.ItemIDs = append(g.ItemIDs, item.ID)
	return item, nil
}

// UpdateItem sets one field from its string form. Changing vat_code
// recomputes the derived percentage; vat_percent itself is not a settable
// field.
func (w *Workspace) UpdateItem(itemID, field, value string) error {
	item, ok := w.items[itemID]
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrNotFound, itemID)
	}

	switch field {
	case "name":
		item.Name = value
	case "category":
		item.Category = value
	case "amount":
		amount, err := decimal.NewFromString(value)
		if err != nil {
			return fmt.Errorf("%w: amount %q", common.ErrInvalidInput, value)
		}
		item.Amount = amount
	case "date":
		item.Date = value
	case "merchant":
		item.Merchant = value
	case "vat_code":
		if !constants.IsVATCode(value) {
			return fmt.Errorf("%w: vat code %q", common.ErrInvalidInput, value)
		}
		item.VATCode = value
		item.VATPercent, _ = constants.VATRate(value)
	case "quantity":
		qty, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("%w: quantity %q", common.ErrInvalidInput, value)
		}
		item.Quantity = qty
	case "unit":
		item.Unit = value
	case "description":
		item.Description = value
	case "merchant_tax_id":
		item.MerchantTaxID = value
	case "invoice_number":
		item.InvoiceNumber = value
	default:
		return fmt.Errorf("%w: field %q", common.ErrInvalidInput, field)
	}
	return nil
}

// SplitItem replaces one item with two halves at the same group position.
// The halves sum exactly to the original amount and both carry quantity 1.
// A half may itself be split again.
func (w *Workspace) SplitItem(itemID string) (*Item, *Item, error) {
	item, ok := w.items[itemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: item %s", common.ErrNotFound, itemID)
	}
	g := w.groupIndex[GroupKey{ReceiptID: item.ReceiptID, Page: item.Page}]

	firstAmount := item.Amount.Div(decimal.NewFromInt(2)).Round(2)
	secondAmount := item.Amount.Sub(firstAmount)

	first := *item
	first.ID = w.nextID()
	first.Amount = firstAmount
	first.Quantity = 1

	second := *item
	second.ID = w.nextID()
	second.Amount = secondAmount
	second.Quantity = 1

	w.items[first.ID] = &first
	w.items[second.ID] = &second
	delete(w.items, itemID)

	for i, id := range g.ItemIDs {
		if id == itemID {
			replaced := append([]string{}, g.ItemIDs[:i]...)
			replaced = append(replaced, first.ID, second.ID)
			g.ItemIDs = append(replaced, g.ItemIDs[i+1:]...)
			break
		}
	}
	return &first, &second, nil
}

// DeleteItem removes an item from the arena and its group. Groups are kept
// even when they become empty.
func (w *Workspace) DeleteItem(itemID string) error {
	item, ok := w.items[itemID]
	if !ok {
		return fmt.Errorf("%w: item %s", common.ErrNotFound, itemID)
	}
	g := w.groupIndex[GroupKey{ReceiptID: item.ReceiptID, Page: item.Page}]
	for i, id := range g.ItemIDs {
		if id == itemID {
			g.ItemIDs = append(g.ItemIDs[:i], g.ItemIDs[i+1:]...)
			break
		}
	}
	delete(w.items, itemID)
	return nil
}
