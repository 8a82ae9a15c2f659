// checkalign compares the foreground centroids of a fixed volume and a
// registered volume as a quick sanity check that registration moved the
// anatomy to roughly the right place.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"volreg/pkg/nifti"
)

func main() {
	threshold := flag.Float64("threshold", 1.0, "Foreground intensity threshold")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] <fixed.nii[.gz]> <registered.nii[.gz]>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 2 {
		flag.Usage()
		os.Exit(1)
	}

	fixed, err := nifti.Read(flag.Arg(0))
	if err != nil {
		log.Fatalf("Error reading fixed image: %v", err)
	}
	registered, err := nifti.Read(flag.Arg(1))
	if err != nil {
		log.Fatalf("Error reading registered image: %v", err)
	}

	c1, ok := fixed.ForegroundCentroid(*threshold)
	if !ok {
		log.Fatalf("Fixed image has no voxel above threshold %g", *threshold)
	}
	c2, ok := registered.ForegroundCentroid(*threshold)
	if !ok {
		log.Fatalf("Registered image has no voxel above threshold %g", *threshold)
	}

	fmt.Printf("Fixed centroid:      [%.3f %.3f %.3f]\n", c1[0], c1[1], c1[2])
	fmt.Printf("Registered centroid: [%.3f %.3f %.3f]\n", c2[0], c2[1], c2[2])
	fmt.Printf("Distance (mm): %.4f\n", c1.Dist(c2))
}
