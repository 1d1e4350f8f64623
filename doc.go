// Package sepcorr applies SEP reference corrections to tide/elevation
// survey files.
//
// A SEP table is a plain-text list of "longitude latitude adjustment"
// triples. Each survey row is corrected with the adjustment of a reference
// point at the same coordinate or, failing that, with the inverse-distance
// weighted adjustment of the two nearest points:
//
//	sum, err := sepcorr.Run(ctx, "survey.txt", "table.sep",
//	    func(percent float64, msg string) { fmt.Println(msg) })
//	if sepcorr.IsCancelled(err) {
//	    // partial survey_converted.txt, survey.txt untouched
//	}
//
// Run writes the corrected rows to survey_converted.txt and rewrites
// survey.txt to hold only the rows that passed the col6/col7 filter.
package sepcorr
