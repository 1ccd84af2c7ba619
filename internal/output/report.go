package output

import (
	"sort"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/urbansignal/mobility-cli/internal/effect"
	"github.com/urbansignal/mobility-cli/internal/model"
)

// WriteEffectXLSX writes the analyst-facing workbook: the rate series on
// a "Rates" sheet and the fitted model on an "Effect" sheet.
func WriteEffectXLSX(path string, rows []model.RateRow, fit *effect.Fit) error {
	if fit == nil {
		return eris.New("output: nil effect fit")
	}

	f := xlsx.NewFile()

	ratesSheet, err := f.AddSheet("Rates")
	if err != nil {
		return eris.Wrap(err, "output: add rates sheet")
	}
	header := ratesSheet.AddRow()
	for _, h := range []string{"locality", "date", "visitors", "active_users", "pct", "rate", "smoothed"} {
		header.AddCell().SetString(h)
	}

	sorted := make([]model.RateRow, len(rows))
	copy(sorted, rows)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Locality != sorted[j].Locality {
			return sorted[i].Locality < sorted[j].Locality
		}
		return sorted[i].Date < sorted[j].Date
	})
	for _, row := range sorted {
		r := ratesSheet.AddRow()
		r.AddCell().SetString(row.Locality)
		r.AddCell().SetString(row.Date)
		r.AddCell().SetInt(row.Visitors)
		r.AddCell().SetInt(row.ActiveUsers)
		r.AddCell().SetFloat(row.Pct)
		r.AddCell().SetFloat(row.Rate)
		r.AddCell().SetFloat(row.Smoothed)
	}

	effectSheet, err := f.AddSheet("Effect")
	if err != nil {
		return eris.Wrap(err, "output: add effect sheet")
	}
	head := effectSheet.AddRow()
	for _, h := range []string{"term", "coef", "se", "t"} {
		head.AddCell().SetString(h)
	}
	for _, name := range []string{effect.RegPost, effect.RegDay, effect.RegPostDay} {
		r := effectSheet.AddRow()
		r.AddCell().SetString(name)
		r.AddCell().SetFloat(fit.Coef[name])
		r.AddCell().SetFloat(fit.SE[name])
		r.AddCell().SetFloat(fit.TStat[name])
	}

	effectSheet.AddRow() // spacer
	for _, kv := range []struct {
		name string
		val  float64
	}{
		{"observations", float64(fit.N)},
		{"localities", float64(fit.NEntities)},
		{"days", float64(fit.NPeriods)},
		{"r2_within", fit.R2Within},
	} {
		r := effectSheet.AddRow()
		r.AddCell().SetString(kv.name)
		r.AddCell().SetFloat(kv.val)
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "output: save %s", path)
	}
	zap.L().Info("output: report written", zap.String("path", path), zap.Int("rate_rows", len(sorted)))
	return nil
}
