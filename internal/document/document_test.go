package document

import "testing"

func newTestDocument() *Document {
	d := New("doc-1", "input/doc-1.pdf", "output/doc-1/")
	d.NumPages = 2
	d.Pages["1"] = &Page{PageID: "1", ImageURI: "blob://b/pages/1.png"}
	d.Pages["2"] = &Page{PageID: "2", ImageURI: "blob://b/pages/2.png"}
	return d
}

func TestTransition_Monotonic(t *testing.T) {
	d := newTestDocument()

	steps := []Status{StatusRunning, StatusOCR, StatusClassifying, StatusExtracting, StatusSummarizing, StatusCompleted}
	for _, s := range steps {
		if err := d.Transition(s); err != nil {
			t.Fatalf("Transition(%s) error = %v", s, err)
		}
	}
	if d.Status != StatusCompleted {
		t.Errorf("Status = %s, want COMPLETED", d.Status)
	}
	if d.StartedAt == nil || d.CompletedAt == nil {
		t.Error("expected StartedAt and CompletedAt to be set")
	}
}

func TestTransition_RejectsNonMonotonic(t *testing.T) {
	d := newTestDocument()
	if err := d.Transition(StatusOCR); err != nil {
		t.Fatalf("Transition(OCR) error = %v", err)
	}
	if err := d.Transition(StatusQueued); err == nil {
		t.Error("expected error transitioning backward to QUEUED")
	}
}

func TestTransition_TerminalIsAbsorbing(t *testing.T) {
	d := newTestDocument()
	if err := d.Transition(StatusFailed); err != nil {
		t.Fatalf("Transition(FAILED) error = %v", err)
	}
	if err := d.Transition(StatusRunning); err == nil {
		t.Error("expected error transitioning out of terminal FAILED")
	}
}

func TestValidate_I1_UnknownPageReference(t *testing.T) {
	d := newTestDocument()
	d.Sections = []*Section{{SectionID: "s1", PageIDs: []string{"1", "99"}}}
	if err := d.Validate(); err == nil {
		t.Error("expected I1 violation for unknown page id")
	}
}

func TestValidate_I2_PageCoveredTwice(t *testing.T) {
	d := newTestDocument()
	d.Sections = []*Section{
		{SectionID: "s1", PageIDs: []string{"1"}},
		{SectionID: "s2", PageIDs: []string{"1", "2"}},
	}
	if err := d.Validate(); err == nil {
		t.Error("expected I2 violation for page covered by two sections")
	}
}

func TestValidate_I3_SectionOrder(t *testing.T) {
	d := newTestDocument()
	d.NumPages = 3
	d.Pages["3"] = &Page{PageID: "3"}
	d.Sections = []*Section{
		{SectionID: "s1", PageIDs: []string{"2"}},
		{SectionID: "s2", PageIDs: []string{"1", "3"}},
	}
	if err := d.Validate(); err == nil {
		t.Error("expected I3 violation for out-of-order sections")
	}
}

func TestValidate_I4_PageCountMismatch(t *testing.T) {
	d := newTestDocument()
	d.NumPages = 5
	if err := d.Validate(); err == nil {
		t.Error("expected I4 violation for num_pages mismatch")
	}
}

func TestValidate_ValidSections(t *testing.T) {
	d := newTestDocument()
	d.Sections = []*Section{{SectionID: "s1", PageIDs: []string{"1", "2"}}}
	if err := d.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

func TestMeter_I6_NonNegative(t *testing.T) {
	d := newTestDocument()
	d.Meter("ocr", "vision-api", "pages", 2)
	d.Meter("ocr", "vision-api", "pages", -5)
	if got := d.MeterValue("ocr", "vision-api", "pages"); got != 2 {
		t.Errorf("MeterValue() = %d, want 2", got)
	}
}

func TestMergeMetering(t *testing.T) {
	d := newTestDocument()
	d.Meter("ocr", "vision-api", "pages", 2)

	d.MergeMetering(map[string]int64{
		meteringKey("ocr", "vision-api", "pages"):        3,
		meteringKey("extraction", "llm", "input_tokens"): 100,
	})

	if got := d.MeterValue("ocr", "vision-api", "pages"); got != 5 {
		t.Errorf("MeterValue(ocr) = %d, want 5", got)
	}
	if got := d.MeterValue("extraction", "llm", "input_tokens"); got != 100 {
		t.Errorf("MeterValue(extraction) = %d, want 100", got)
	}
}

func TestAppendError(t *testing.T) {
	d := newTestDocument()
	d.AppendError("ocr", "TRANSIENT_PROVIDER", "timeout")
	if len(d.Errors) != 1 {
		t.Fatalf("len(Errors) = %d, want 1", len(d.Errors))
	}
	if d.Errors[0].Kind != "TRANSIENT_PROVIDER" {
		t.Errorf("Errors[0].Kind = %s, want TRANSIENT_PROVIDER", d.Errors[0].Kind)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	d := newTestDocument()
	d.Sections = []*Section{{SectionID: "s1", PageIDs: []string{"1", "2"}}}
	d.Meter("ocr", "vision-api", "pages", 2)

	cp := d.Clone()
	cp.Pages["1"].Classification = strPtr("invoice")
	cp.Sections[0].PageIDs[0] = "2"
	cp.Meter("ocr", "vision-api", "pages", 1)

	if d.Pages["1"].Classification != nil {
		t.Error("mutating clone's page leaked into original")
	}
	if d.Sections[0].PageIDs[0] != "1" {
		t.Error("mutating clone's section leaked into original")
	}
	if d.MeterValue("ocr", "vision-api", "pages") != 2 {
		t.Error("mutating clone's metering leaked into original")
	}
}

func strPtr(s string) *string { return &s }
