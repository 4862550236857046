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

// Statistical eye simulator main()
// This file handles the CLI, and the spec/result I/O.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	log "github.com/golang/glog"
	pbj "google.golang.org/protobuf/encoding/protojson"
	structpb "google.golang.org/protobuf/types/known/structpb"
	"statopt/report"
	"statopt/stateye"
)

var (
	// git_hash := $(git rev-parse --short HEAD || echo 'development')
	// current_time = $(date +"%Y-%m-%d:T%H:%M:%S")
	// go build -ldflags "-X main.version=$git_hash -X main.buildTime=$current_time" ./cmd/stateye
	// The init value here is stamped by the coder. The binary builder is expected to overwrite them.
	version   = "2024-06-10"
	buildTime = "unknown"
)

func main() {
	var (
		getVer     = flag.Bool("version", false, "Return the version number.")
		spec       = flag.String("spec", "", "The simulation spec .pbtxt file (a google.protobuf.Struct).")
		specJSON   = flag.String("spec_json", "", "The simulation spec .json file.")
		knobs      = flag.String("knobs", "", "A comma-separated list of name=value knob overrides.")
		thru       = flag.String("thru", "", "The thru channel impulse response csv (time, value).")
		xtalk      = flag.String("xtalk", "", "A comma-separated list of next:file.csv or fext:file.csv crosstalk channels.")
		override   = flag.String("override", "", "A measured pulse response csv (time, amplitude) replacing the thru channel.")
		txDist     = flag.String("tx_distortion", "", "The TX distortion csv (input, output).")
		rxDist     = flag.String("rx_distortion", "", "The RX distortion csv (input, output).")
		result     = flag.String("result", "result.pbtxt", "The result file name.")
		resultJSON = flag.Bool("result_json", false, "Writes and reads the [result] as JSON instead of pbtxt.")
		csv        = flag.String("csv", "", "Dumps a csv file for plotting.")
		pb2csv     = flag.Bool("result2csv", false, "Converts the [result] to a [csv] file for plotting.")
		plotDir    = flag.String("plot_dir", "", "Writes the PNG plots of every case to this directory.")
		pdf        = flag.String("pdf", "", "Writes a PDF summary of the run.")
		ocpPipe    = flag.String("ocp_pipe", "", "Streams JSON-lines artifacts to this file or pipe.")
		parallel   = flag.Bool("parallel", true, "Runs the cases in parallel.")
	)

	flag.Parse()

	if *getVer {
		fmt.Printf("Version:\t%s\n", version)
		fmt.Printf("BuildTime:\t%s\n", buildTime)
		os.Exit(0)
	}

	if *pb2csv {
		if *csv == "" || *result == "" {
			log.Exit("Error: With -result2csv, both -result and -csv must be specified.")
		}
		recs, err := stateye.ReadResults(*result, *resultJSON)
		if err != nil {
			log.Exit(err)
		}
		if err := stateye.ConvertToCsv(recs, *csv); err != nil {
			log.Exit(err)
		}
		os.Exit(0)
	}

	// The simulation spec or spec_json is required.
	var fn string
	var isJSON bool
	if *spec != "" {
		fn = *spec
		isJSON = false
	} else if *specJSON != "" {
		fn = *specJSON
		isJSON = true
	} else {
		log.Exit("Error: Either -spec or -spec_json must be specified.")
	}
	sp, err := stateye.ReadSpec(fn, isJSON)
	if err != nil {
		log.Exit(err)
	}

	// Overrides knobs from command line flags.
	if *knobs != "" {
		k := make(stateye.Knobs)
		for _, kv := range strings.Split(*knobs, ",") {
			name, val, found := strings.Cut(kv, "=")
			if !found {
				log.Exit(kv, " is not a name=value knob.")
			}
			v, err := strconv.ParseFloat(strings.TrimSpace(val), 64)
			if err != nil {
				log.Exit(kv, " is not a valid knob value: ", err)
			}
			k[strings.TrimSpace(name)] = v
		}
		if err := sp.Config.ApplyKnobs(k); err != nil {
			log.Exit(err)
		}
		if err := sp.Config.Validate(); err != nil {
			log.Exit(err)
		}
	}

	src, err := readSources(*thru, *xtalk, *override, *txDist, *rxDist)
	if err != nil {
		log.Exit(err)
	}
	if *override != "" {
		sp.Config.Channel.OverrideResponse = true
	}

	// Automatically dump the effective knobs to a spec.dump.json.
	dump := make(map[string]any)
	for name, v := range sp.Config.Knobs() {
		dump[name] = v
	}
	if s, err := structpb.NewStruct(dump); err != nil {
		log.Exit(err)
	} else {
		opt := pbj.MarshalOptions{
			Multiline: true,
			Indent:    "  ",
		}
		dumpfn := strings.TrimSuffix(fn, filepath.Ext(fn)) + ".dump.json"
		if data, err := opt.Marshal(s); err != nil {
			log.Exit(err)
		} else if err := os.WriteFile(dumpfn, data, 0600); err != nil {
			log.Exit(err)
		}
	}

	sim := stateye.NewSimulator()
	if *ocpPipe != "" {
		f, err := os.OpenFile(*ocpPipe, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			log.Exit(err)
		}
		sim.Artifacts = stateye.NewArtifactStream(f, "stateye", version, strings.Join(os.Args, " "))
		defer sim.Artifacts.Close()
	}

	// Runs every case.
	t := time.Now()
	log.Infoln("Starting simulation: t = ", t.String(), ", cases = ", len(sp.Cases))
	results, err := sim.RunCases(sp, src, *parallel)
	if err != nil {
		log.Exit(err)
	}
	duration := time.Since(t)
	log.Infoln("Finished simulation: duration = ", duration.String())

	tally := stateye.TallyResults(results)
	for _, c := range tally.Cases {
		log.Infoln(c.Message)
	}

	if err := stateye.WriteResults(*result, results, *resultJSON); err != nil {
		log.Exit(err)
	}
	if *csv != "" {
		recs := make([]*stateye.Record, len(results))
		for i, cr := range results {
			recs[i] = cr.Record()
		}
		if err := stateye.ConvertToCsv(recs, *csv); err != nil {
			log.Exit(err)
		}
	}
	if *plotDir != "" {
		for _, cr := range results {
			if cr.Pass == nil {
				continue
			}
			if err := report.WritePlots(*plotDir, cr.Name, report.Images(cr.Pass)); err != nil {
				log.Errorf("Plots of %s: %v", cr.Name, err)
			}
		}
	}
	if *pdf != "" {
		if err := report.BuildPDF(*pdf, "Statistical eye: "+filepath.Base(fn), results, tally); err != nil {
			log.Exit(err)
		}
	}
}

// readSources loads the channel, measured pulse and distortion files.
func readSources(thru, xtalk, override, txDist, rxDist string) (*stateye.InfluenceSources, error) {
	src := new(stateye.InfluenceSources)
	if thru != "" {
		imp, err := stateye.ReadImpulseResponse(thru, "thru", stateye.Thru)
		if err != nil {
			return nil, err
		}
		src.Impulses = append(src.Impulses, imp)
	}
	if xtalk != "" {
		for i, item := range strings.Split(xtalk, ",") {
			kindName, file, found := strings.Cut(item, ":")
			if !found {
				return nil, fmt.Errorf("%q: want next:file or fext:file", item)
			}
			var kind stateye.ChannelKind
			switch strings.ToLower(kindName) {
			case "next":
				kind = stateye.Next
			case "fext":
				kind = stateye.Fext
			default:
				return nil, fmt.Errorf("%q: unknown crosstalk kind %q", item, kindName)
			}
			imp, err := stateye.ReadImpulseResponse(file, fmt.Sprintf("%s%d", kindName, i), kind)
			if err != nil {
				return nil, err
			}
			src.Impulses = append(src.Impulses, imp)
		}
	}
	var err error
	if override != "" {
		if src.Override, err = stateye.ReadMeasuredPulse(override); err != nil {
			return nil, err
		}
	}
	if txDist != "" {
		if src.TXDistortion, err = stateye.ReadDistortion(txDist); err != nil {
			return nil, err
		}
	}
	if rxDist != "" {
		if src.RXDistortion, err = stateye.ReadDistortion(rxDist); err != nil {
			return nil, err
		}
	}
	return src, nil
}
