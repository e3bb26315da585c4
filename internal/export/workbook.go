// Package export bundles the derived tables into a single spreadsheet
// workbook for analysts.
package export

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/fetcher"
)

// WorkbookFile is the workbook written under the output directory.
const WorkbookFile = "analysis_workbook.xlsx"

// maxSheetRows is the spreadsheet row limit less the header.
const maxSheetRows = 1<<20 - 1

// Result describes a written workbook.
type Result struct {
	Path   string
	Sheets []string
}

// SheetName derives a sheet name from a CSV file name.
func SheetName(file string) string {
	name := strings.TrimSuffix(filepath.Base(file), filepath.Ext(file))
	if len(name) > 31 {
		name = name[:31]
	}
	return name
}

// Workbook writes one sheet per CSV in files, in order, to outputDir.
// Missing files are skipped. Nothing is written when no file exists.
func Workbook(ctx context.Context, outputDir string, files []string) (Result, error) {
	log := zap.L().With(zap.String("component", "export.workbook"))

	wb := xlsx.NewFile()
	var res Result
	for _, file := range files {
		path := filepath.Join(outputDir, file)
		if !atomicfile.Exists(path) {
			log.Debug("sheet source missing", zap.String("file", file))
			continue
		}
		header, rows, err := fetcher.ReadCSVFile(ctx, path)
		if err != nil {
			return Result{}, eris.Wrapf(err, "export: read %s", file)
		}

		name := SheetName(file)
		sheet, err := wb.AddSheet(name)
		if err != nil {
			return Result{}, eris.Wrapf(err, "export: add sheet %s", name)
		}
		addRow(sheet, header, false)
		if len(rows) > maxSheetRows {
			log.Warn("sheet truncated", zap.String("sheet", name), zap.Int("rows", len(rows)))
			rows = rows[:maxSheetRows]
		}
		for _, r := range rows {
			addRow(sheet, r, true)
		}
		res.Sheets = append(res.Sheets, name)
	}

	if len(res.Sheets) == 0 {
		return Result{}, nil
	}

	res.Path = filepath.Join(outputDir, WorkbookFile)
	f, err := atomicfile.Create(res.Path)
	if err != nil {
		return Result{}, err
	}
	if err := wb.Write(f); err != nil {
		f.Abort()
		return Result{}, eris.Wrap(err, "export: write workbook")
	}
	if err := f.Commit(); err != nil {
		return Result{}, err
	}

	log.Info("workbook written", zap.String("path", res.Path), zap.Strings("sheets", res.Sheets))
	return res, nil
}

func addRow(sheet *xlsx.Sheet, values []string, typed bool) {
	row := sheet.AddRow()
	for _, v := range values {
		cell := row.AddCell()
		if typed && v != "" {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cell.SetFloat(f)
				continue
			}
		}
		cell.SetString(v)
	}
}
