// Copyright 2023 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	log "github.com/golang/glog"
	"github.com/jung-kurt/gofpdf"
	"statopt/stateye"
)

const (
	inchToMm        = 25.4
	pageWidth       = 11 * inchToMm // Letter landscape
	pageHeight      = 8.5 * inchToMm
	margin          = 0.5 * inchToMm
	contentWidth    = pageWidth - 2*margin
	lineHeight      = 6.0
	imageWidth      = contentWidth / 2
	imageHeight     = imageWidth * 400 / 640
	maxImagesOnPage = 4
)

// Image is one rendered plot.
type Image struct {
	Name string // file stem, e.g. "eye"
	PNG  []byte
}

// Images renders every plot a pass supports. Plots that cannot be drawn, e.g. bathtubs of a
// pass without an eye, are skipped with a warning.
func Images(p *stateye.Pass) []Image {
	cfg := p.Config
	var out []Image
	add := func(name string, data []byte, err error) {
		if err != nil {
			log.Warningf("Plot %s skipped: %v", name, err)
			return
		}
		out = append(out, Image{Name: name, PNG: data})
	}
	final := p.Distributions.Final()
	data, err := EyeHeatMap(cfg, final.Combined, fmt.Sprintf("Eye diagram (%v)", final.Stage))
	add("eye", data, err)
	data, err = BERContour(cfg, p.BER)
	add("ber_contour", data, err)
	data, err = VerticalBathtub(cfg, p.BER)
	add("bathtub_vertical", data, err)
	data, err = HorizontalBathtub(cfg, p.BER)
	add("bathtub_horizontal", data, err)
	data, err = PulseResponses(cfg, p.Pulses)
	add("pulse", data, err)
	if cfg.Receiver.CTLE.AddEqualization {
		data, err = CTLEResponse(cfg)
		add("ctle", data, err)
	}
	return out
}

// WritePlots writes every image of a pass to dir as <prefix>_<name>.png.
func WritePlots(dir, prefix string, imgs []Image) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	for _, img := range imgs {
		fn := filepath.Join(dir, fmt.Sprintf("%s_%s.png", prefix, img.Name))
		if err := os.WriteFile(fn, img.PNG, 0644); err != nil {
			return err
		}
	}
	return nil
}

// BuildPDF writes a summary of every case: the result record, the failures and the plots.
func BuildPDF(fn string, title string, cases []*stateye.CaseResult, tally *stateye.TestResult) error {
	pdf := gofpdf.New("L", "mm", "Letter", "")
	pdf.SetMargins(margin, margin, margin)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 16)
	pdf.CellFormat(contentWidth, 10, title, "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	verdict := "FAIL"
	if tally.Pass {
		verdict = "PASS"
	}
	pdf.MultiCell(contentWidth, lineHeight, fmt.Sprintf("%s: %d cases run, %d successful.",
		verdict, tally.NumCasesRun, tally.NumCasesPassed), "", "L", false)
	pdf.Ln(2)

	// Summary table
	headers := []string{"Case", "Successful", "BER", "COM [dB]", "Height [mV]", "Width [UI]", "Phase [deg]"}
	widths := []float64{0.28, 0.12, 0.12, 0.12, 0.12, 0.12, 0.12}
	pdf.SetFont("Arial", "B", 9)
	pdf.SetFillColor(200, 200, 200)
	for i, h := range headers {
		pdf.CellFormat(widths[i]*contentWidth, lineHeight, h, "1", 0, "C", true, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 9)
	for _, cr := range cases {
		row := []string{cr.Name, "not run", "", "", "", "", ""}
		if cr.Pass != nil {
			r := cr.Pass.Result
			row[1] = fmt.Sprint(r.Successful)
			row[2] = fmt.Sprintf("%.2e", r.BER)
			row[3] = fmt.Sprintf("%.2f", r.COM)
			row[4] = worstEye(r, func(d stateye.EyeDimensions) float64 { return d.Height * 1e3 })
			row[5] = worstEye(r, func(d stateye.EyeDimensions) float64 { return d.WidthUI })
			row[6] = fmt.Sprintf("%.1f", r.EyeLocation.Phase)
		}
		for i, c := range row {
			pdf.CellFormat(widths[i]*contentWidth, lineHeight, c, "1", 0, "C", false, 0, "")
		}
		pdf.Ln(-1)
	}

	// One section per case
	for _, cr := range cases {
		if cr.Pass == nil {
			continue
		}
		pdf.AddPage()
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(contentWidth, 8, cr.Name, "", 1, "L", false, 0, "")
		pdf.SetFont("Arial", "", 10)
		if len(cr.Pass.Failures) > 0 {
			var msg strings.Builder
			for _, err := range cr.Pass.Failures {
				msg.WriteString(err.Error())
				msg.WriteString("\n")
			}
			pdf.SetTextColor(200, 0, 0)
			pdf.MultiCell(contentWidth, lineHeight, msg.String(), "", "L", false)
			pdf.SetTextColor(0, 0, 0)
		}
		top := pdf.GetY() + 2
		for i, img := range Images(cr.Pass) {
			if i > 0 && i%maxImagesOnPage == 0 {
				pdf.AddPage()
				top = margin
			}
			name := cr.Name + "_" + img.Name
			pdf.RegisterImageReader(name, "PNG", bytes.NewReader(img.PNG))
			x := margin + float64(i%2)*imageWidth
			y := top + float64((i%maxImagesOnPage)/2)*imageHeight
			pdf.Image(name, x, y, imageWidth, imageHeight, false, "PNG", 0, "")
		}
	}
	return pdf.OutputFileAndClose(fn)
}

// worstEye formats the smallest value of f over all eyes.
func worstEye(r *stateye.Result, f func(stateye.EyeDimensions) float64) string {
	if len(r.EyeDimensions) == 0 {
		return ""
	}
	v := f(r.EyeDimensions[0])
	for _, d := range r.EyeDimensions[1:] {
		v = min(v, f(d))
	}
	return fmt.Sprintf("%.3f", v)
}
