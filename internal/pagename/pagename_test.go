package pagename

import "testing"

func TestToFilename(t *testing.T) {
	tests := []struct {
		page string
		want string
	}{
		{"Home", "Home"},
		{"Main Page", "Main_Page"},
		{"Help/Getting started", "Help!Getting_started"},
		{"User:Alice/sandbox draft", "User:Alice!sandbox_draft"},
	}

	for _, tt := range tests {
		t.Run(tt.page, func(t *testing.T) {
			if got := ToFilename(tt.page); got != tt.want {
				t.Errorf("ToFilename(%q) = %q, want %q", tt.page, got, tt.want)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	pages := []string{
		"Home",
		"Main Page",
		"Help/Getting started",
		"A/B/C d e",
		"Category:Things to do",
		"",
	}

	for _, page := range pages {
		if got := FromFilename(ToFilename(page)); got != page {
			t.Errorf("FromFilename(ToFilename(%q)) = %q", page, got)
		}
	}

	names := []string{"Home", "Main_Page", "Help!Getting_started"}
	for _, name := range names {
		if got := ToFilename(FromFilename(name)); got != name {
			t.Errorf("ToFilename(FromFilename(%q)) = %q", name, got)
		}
	}
}

func TestPageFor(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/wiki/Home.wiki", "Home"},
		{"/wiki/sub/Main_Page.wiki", "Main Page"},
		{"Help!Getting_started.wiki", "Help/Getting started"},
		{"/wiki/notes.txt", "notes.txt"},
	}

	for _, tt := range tests {
		if got := PageFor(tt.path); got != tt.want {
			t.Errorf("PageFor(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFileFor(t *testing.T) {
	if got := FileFor("Main Page"); got != "Main_Page.wiki" {
		t.Errorf("FileFor() = %q, want Main_Page.wiki", got)
	}
	if got := PageFor(FileFor("Help/Intro page")); got != "Help/Intro page" {
		t.Errorf("PageFor(FileFor()) = %q", got)
	}
}

func TestIsPageFile(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"Home.wiki", true},
		{"/a/b/Page.wiki", true},
		{"Home.mine", false},
		{"Home.wiki.bak", false},
		{"README", false},
	}

	for _, tt := range tests {
		if got := IsPageFile(tt.path); got != tt.want {
			t.Errorf("IsPageFile(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}

func TestConflictPath(t *testing.T) {
	if got := ConflictPath("/wiki/Home.wiki"); got != "/wiki/Home.mine" {
		t.Errorf("ConflictPath() = %q, want /wiki/Home.mine", got)
	}
}
