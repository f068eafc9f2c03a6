package vat

import (
	"bufio"
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

const workbookSheet = "Momsdeklaration"

// WriteSKVFile writes the declaration as "box;amount" lines after a header row.
func WriteSKVFile(w io.Writer, d *Declaration) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("box;amount\n"); err != nil {
		return err
	}
	for _, b := range d.Boxes() {
		if _, err := fmt.Fprintf(bw, "%s;%s\n", b.Code, b.Amount.StringFixed(2)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// WriteWorkbook writes the declaration boxes and disclosure buckets as xlsx.
func WriteWorkbook(w io.Writer, d *Declaration) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", workbookSheet); err != nil {
		return err
	}
	f.SetCellValue(workbookSheet, "A1", "Ruta")
	f.SetCellValue(workbookSheet, "B1", "Beskrivning")
	f.SetCellValue(workbookSheet, "C1", "Belopp")

	row := 2
	for _, b := range d.Boxes() {
		f.SetCellValue(workbookSheet, "A"+fmt.Sprint(row), b.Code)
		f.SetCellValue(workbookSheet, "B"+fmt.Sprint(row), b.Description)
		f.SetCellValue(workbookSheet, "C"+fmt.Sprint(row), b.Amount.InexactFloat64())
		row++
	}
	row++
	f.SetCellValue(workbookSheet, "B"+fmt.Sprint(row), "Omvänd skattskyldighet, underlag")
	f.SetCellValue(workbookSheet, "C"+fmt.Sprint(row), d.ReverseChargeBase.InexactFloat64())
	row++
	f.SetCellValue(workbookSheet, "B"+fmt.Sprint(row), "OSS-försäljning")
	f.SetCellValue(workbookSheet, "C"+fmt.Sprint(row), d.OSSSales.InexactFloat64())
	row++
	f.SetCellValue(workbookSheet, "B"+fmt.Sprint(row), "Period")
	f.SetCellValue(workbookSheet, "C"+fmt.Sprint(row), d.Start.Format("2006-01-02")+" - "+d.End.AddDate(0, 0, -1).Format("2006-01-02"))

	return f.Write(w)
}
