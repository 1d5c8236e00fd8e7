package command

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dragenflow/dragenflow/internal/common/flowerrors"
)

var testTools = Tools{
	Dragen:      "/opt/edico/bin/dragen",
	Fingerprint: []string{"java", "-jar", "/opt/picard.jar"},
	GsUtil:      "gsutil",
}

func testBuilder(t *testing.T, dirs ...string) *Builder {
	fs := afero.NewMemMapFs()
	for _, d := range dirs {
		require.NoError(t, fs.MkdirAll(d, 0o755))
	}
	return NewBuilder(fs, testTools)
}

func validAlign() AlignParams {
	return AlignParams{
		ReferenceDir:           "/refs/hg38",
		FastqList:              "/fastq/Reports/fastq_list.csv",
		FastqListSampleId:      "SM-1",
		OutputDir:              "/out/SM-1",
		IntermediateResultsDir: "/staging",
		OutputFilePrefix:       "SM-1",
		VcSampleName:           "SM-1",
	}
}

func validAggregate() AggregateParams {
	return AggregateParams{
		ReferenceDir:           "/refs/hg38",
		FastqList:              "/agg/fastq_list.csv",
		FastqListSampleId:      "SM-1",
		OutputDir:              "/agg/SM-1",
		IntermediateResultsDir: "/staging",
		OutputFilePrefix:       "SM-1",
		VcSampleName:           "SM-1",
	}
}

func TestDemultiplex(t *testing.T) {
	b := testBuilder(t, "/runs/200101_A01")
	p := DemultiplexParams{
		BclConversionOnly: true,
		InputDir:          "/runs/200101_A01",
		OutputDir:         "/fastq/200101_A01",
		SampleSheet:       "/runs/200101_A01/SampleSheet_hsa.csv",
	}
	cmd, err := b.Demultiplex(p)
	require.NoError(t, err)
	assert.Equal(t,
		"/opt/edico/bin/dragen --bcl-conversion-only=true --bcl-input-directory /runs/200101_A01 "+
			"--output-directory /fastq/200101_A01 --sample-sheet /runs/200101_A01/SampleSheet_hsa.csv",
		cmd)

	p.Force = true
	p.BclConversionOnly = false
	cmd, err = b.Demultiplex(p)
	require.NoError(t, err)
	assert.Equal(t,
		"/opt/edico/bin/dragen --bcl-conversion-only=false --bcl-input-directory /runs/200101_A01 "+
			"--output-directory /fastq/200101_A01 --sample-sheet /runs/200101_A01/SampleSheet_hsa.csv --force",
		cmd)
}

func TestDemultiplex_InputDirMustExist(t *testing.T) {
	b := testBuilder(t)
	_, err := b.Demultiplex(DemultiplexParams{
		InputDir:    "/runs/missing",
		OutputDir:   "/fastq",
		SampleSheet: "/runs/missing/SampleSheet.csv",
	})
	require.Error(t, err)
	assert.True(t, flowerrors.IsInvalidArgument(err))
	assert.Contains(t, err.Error(), "does not exist")
}

func TestAlign(t *testing.T) {
	b := testBuilder(t)
	cmd, err := b.Align(validAlign())
	require.NoError(t, err)
	assert.Equal(t,
		"/opt/edico/bin/dragen -f -r /refs/hg38 --fastq-list /fastq/Reports/fastq_list.csv "+
			"--fastq-list-sample-id SM-1 --output-directory /out/SM-1 --intermediate-results-dir /staging "+
			"--output-file-prefix SM-1 --vc-sample-name SM-1 --enable-variant-caller true --enable-duplicate-marking true",
		cmd)
}

func TestAlign_OptionalFlags(t *testing.T) {
	b := testBuilder(t)
	p := validAlign()
	p.SampleSex = "female"
	p.CoverageRegion = "/beds/wgs.bed"
	p.CrossContaminationVcf = "/refs/contam.vcf"
	cmd, err := b.Align(p)
	require.NoError(t, err)
	assert.True(t, len(cmd) > 0)
	assert.Contains(t, cmd,
		"--enable-duplicate-marking true --qc-cross-cont-vcf /refs/contam.vcf "+
			"--qc-coverage-region-1 /beds/wgs.bed --qc-coverage-reports-1 cov_report --sample-sex female")
}

func TestAggregate(t *testing.T) {
	b := testBuilder(t)
	p := validAggregate()
	p.CoverageRegions = []string{"/beds/a.bed", "", "/beds/c.bed"}
	p.ConfigFile = "/configs/agg.cfg"
	cmd, err := b.Aggregate(p)
	require.NoError(t, err)
	assert.Equal(t,
		"/opt/edico/bin/dragen -f -r /refs/hg38 --fastq-list /agg/fastq_list.csv --fastq-list-sample-id SM-1 "+
			"--output-directory /agg/SM-1 --intermediate-results-dir /staging --output-file-prefix SM-1 "+
			"--vc-sample-name SM-1 --enable-map-align-output true --output-format CRAM --enable-variant-caller true "+
			"--enable-duplicate-marking true --qc-coverage-region-1 /beds/a.bed --qc-coverage-reports-1 cov_report "+
			"--qc-coverage-region-3 /beds/c.bed --qc-coverage-reports-3 cov_report --config-file /configs/agg.cfg",
		cmd)
}

func TestAggregate_TooManyRegions(t *testing.T) {
	b := testBuilder(t)
	p := validAggregate()
	p.CoverageRegions = []string{"a", "b", "c", "d"}
	_, err := b.Aggregate(p)
	assert.True(t, flowerrors.IsInvalidArgument(err))
}

func TestMissingRequiredFields(t *testing.T) {
	b := testBuilder(t, "/in")
	tests := map[string]func() error{
		"demultiplex output dir": func() error {
			_, err := b.Demultiplex(DemultiplexParams{InputDir: "/in", SampleSheet: "s.csv"})
			return err
		},
		"align reference": func() error {
			p := validAlign()
			p.ReferenceDir = ""
			_, err := b.Align(p)
			return err
		},
		"align blank sample id": func() error {
			p := validAlign()
			p.FastqListSampleId = "  "
			_, err := b.Align(p)
			return err
		},
		"aggregate vc sample name": func() error {
			p := validAggregate()
			p.VcSampleName = ""
			_, err := b.Aggregate(p)
			return err
		},
		"fingerprint vcf": func() error {
			_, err := b.Fingerprint(FingerprintParams{CramFile: "a.cram"})
			return err
		},
		"upload bucket": func() error {
			_, err := b.Upload("a.cram", "")
			return err
		},
		"generic tool": func() error {
			_, err := b.Generic(GenericParams{Args: []string{"x"}})
			return err
		},
	}
	for name, build := range tests {
		t.Run(name, func(t *testing.T) {
			err := build()
			require.Error(t, err)
			assert.True(t, flowerrors.IsInvalidArgument(err))
		})
	}
}

func TestMissingTool(t *testing.T) {
	b := NewBuilder(afero.NewMemMapFs(), Tools{})
	_, err := b.Align(validAlign())
	assert.True(t, flowerrors.IsInvalidArgument(err))
	_, err = b.Fingerprint(FingerprintParams{})
	assert.True(t, flowerrors.IsInvalidArgument(err))
}

func TestFingerprintAndUpload(t *testing.T) {
	b := testBuilder(t)
	p, err := b.Fingerprint(FingerprintParams{
		CramFile:          "/agg/SM-1.cram",
		VcfFile:           "/fp/SM-1.vcf",
		HaplotypeDatabase: "/refs/haplotype_map.txt",
		OutputPrefix:      "/agg/SM-1",
		ReferenceFile:     "/refs/hg38.fa",
	})
	require.NoError(t, err)
	cmd, err := b.Generic(p)
	require.NoError(t, err)
	assert.Equal(t,
		"java -jar /opt/picard.jar CheckFingerprint INPUT=/agg/SM-1.cram GENOTYPES=/fp/SM-1.vcf "+
			"HAPLOTYPE_MAP=/refs/haplotype_map.txt OUTPUT=/agg/SM-1 REFERENCE_SEQUENCE=/refs/hg38.fa",
		cmd)

	p, err = b.Upload("/agg/SM-1.cram", "gs://bucket/crams/")
	require.NoError(t, err)
	cmd, err = b.Generic(p)
	require.NoError(t, err)
	assert.Equal(t, "gsutil cp /agg/SM-1.cram gs://bucket/crams/", cmd)
}

func TestBuildIsDeterministic(t *testing.T) {
	b := testBuilder(t)
	p := validAggregate()
	p.CoverageRegions = []string{"/a.bed", "/b.bed"}
	first, err := b.Aggregate(p)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := b.Aggregate(p)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestQuote(t *testing.T) {
	tests := map[string]string{
		"/plain/path.csv":  "/plain/path.csv",
		"key=value":        "key=value",
		"":                 "''",
		"has space":        "'has space'",
		"it's":             `'it'\''s'`,
		"$(rm -rf /)":      "'$(rm -rf /)'",
		"a;b":              "'a;b'",
		"gs://bucket/dir/": "gs://bucket/dir/",
	}
	for in, expected := range tests {
		t.Run(in, func(t *testing.T) {
			assert.Equal(t, expected, Quote(in))
		})
	}
}

func TestDeepCopy(t *testing.T) {
	p := &AggregateParams{CoverageRegions: []string{"a"}}
	c := p.DeepCopy()
	c.CoverageRegions[0] = "b"
	assert.Equal(t, "a", p.CoverageRegions[0])

	g := &GenericParams{Tool: "x", Args: []string{"1"}}
	gc := g.DeepCopy()
	gc.Args[0] = "2"
	assert.Equal(t, "1", g.Args[0])

	var nilParams *AlignParams
	assert.Nil(t, nilParams.DeepCopy())
}
