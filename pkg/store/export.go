package store

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"lutstorm/internal/models"
	"lutstorm/pkg/precision"
)

// CSVHeader lists the exported columns.
var CSVHeader = []string{
	"frame", "x_nm", "y_nm", "z_nm",
	"background_photons", "photons",
	"sigma_x_nm", "sigma_y_nm", "sigma_z_nm",
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}

// WriteCSV writes mols with lateral positions in nm and intensities in
// photons. Photon counts and precision columns stay empty when e is nil or
// cannot evaluate a localization.
func WriteCSV(w io.Writer, mols []models.Molecule, e *precision.Estimator, a precision.Acquisition) error {
	if err := a.Validate(); err != nil {
		return err
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return err
	}

	record := make([]string, len(CSVHeader))
	for _, m := range mols {
		record[0] = strconv.Itoa(m.Frame)
		record[1] = formatFloat(m.X * a.PixelSize)
		record[2] = formatFloat(m.Y * a.PixelSize)
		record[3] = formatFloat(m.Z)
		record[4] = formatFloat(precision.BackgroundPhotons(m, a))
		for i := 5; i < len(record); i++ {
			record[i] = ""
		}
		if e != nil {
			if photons, err := e.Photons(m, a); err == nil {
				record[5] = formatFloat(photons)
			}
			if bounds, err := e.CRLB(m, a); err == nil {
				record[6] = formatFloat(bounds[2])
				record[7] = formatFloat(bounds[3])
				record[8] = formatFloat(bounds[4])
			}
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write localization of frame %d: %w", m.Frame, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveCSV writes mols to a CSV file, creating its directory.
func SaveCSV(path string, mols []models.Molecule, e *precision.Estimator, a precision.Acquisition) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create csv file: %w", err)
	}
	if err := WriteCSV(f, mols, e, a); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
