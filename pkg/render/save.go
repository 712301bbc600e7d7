package render

import (
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"lutstorm/internal/models"
)

// Save writes img to filename, encoding by extension: .png or .jpg/.jpeg.
func Save(img image.Image, filename string) error {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext != ".png" && ext != ".jpg" && ext != ".jpeg" {
		return fmt.Errorf("unsupported image format: %s", ext)
	}
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	file, err := os.Create(filename)
	if err != nil {
		return err
	}

	if ext == ".png" {
		err = png.Encode(file, img)
	} else {
		err = jpeg.Encode(file, img, &jpeg.Options{Quality: 90})
	}
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	return err
}

// SaveProjections renders mols with every projection into outputDir.
func SaveProjections(mols []models.Molecule, outputDir string, width, height int, scale, minZ, maxZ, dZ, sigma float64) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return err
	}
	for _, p := range []Projection{TopDown, BottomUp, SideXZ, SideYZ} {
		img, err := RenderMolecules(mols, width, height, scale, scale, minZ, maxZ, dZ, sigma, p)
		if err != nil {
			return fmt.Errorf("failed to render %v: %w", p, err)
		}
		if err := Save(img, filepath.Join(outputDir, fmt.Sprintf("projection_%s.png", p))); err != nil {
			return err
		}
	}
	return nil
}
