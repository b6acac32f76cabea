// Package report exports run history for compliance reviews.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/screening-cli/internal/model"
)

var runHeader = []string{
	"Run ID", "Entity", "State", "Final Risk", "Failure Reason",
	"Amount", "Currency", "Sender", "Counterparty", "Country",
	"Purpose", "Stages", "Reviewer", "Created", "Completed",
}

// WriteXLSX writes runs to an XLSX workbook at path, newest first as given.
func WriteXLSX(path string, runs []model.Run) error {
	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Runs")
	if err != nil {
		return eris.Wrap(err, "report: add sheet")
	}

	header := sheet.AddRow()
	for _, col := range runHeader {
		header.AddCell().SetString(col)
	}

	for i := range runs {
		addRunRow(sheet, &runs[i])
	}

	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}

func addRunRow(sheet *xlsx.Sheet, run *model.Run) {
	req := run.Request
	row := sheet.AddRow()
	row.AddCell().SetString(run.ID)
	row.AddCell().SetString(req.EntityID)
	row.AddCell().SetString(string(run.State))
	row.AddCell().SetString(string(run.FinalRisk))
	row.AddCell().SetString(string(run.FailureReason))
	row.AddCell().SetFloat(req.Amount)
	row.AddCell().SetString(req.Currency)
	row.AddCell().SetString(req.SenderName)
	row.AddCell().SetString(req.CounterpartyName)
	row.AddCell().SetString(req.CounterpartyCountry)
	row.AddCell().SetString(req.Purpose)
	row.AddCell().SetString(stageSummary(run.Verdicts))
	row.AddCell().SetString(reviewer(run.Decision))
	row.AddCell().SetString(run.CreatedAt.Format(time.RFC3339))
	if run.CompletedAt != nil {
		row.AddCell().SetString(run.CompletedAt.Format(time.RFC3339))
	} else {
		row.AddCell().SetString("")
	}
}

// stageSummary renders verdicts as "rules:low external-model:timed_out".
func stageSummary(verdicts []model.StageVerdict) string {
	parts := make([]string, 0, len(verdicts))
	for _, v := range verdicts {
		if v.Outcome == model.StageSuccess {
			parts = append(parts, fmt.Sprintf("%s:%s", v.Stage, v.Risk))
		} else {
			parts = append(parts, fmt.Sprintf("%s:%s", v.Stage, v.Outcome))
		}
	}
	return strings.Join(parts, " ")
}

func reviewer(d *model.ManualDecision) string {
	if d == nil {
		return ""
	}
	return d.Reviewer
}
