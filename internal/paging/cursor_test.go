package paging

import "testing"

func TestCursor(t *testing.T) {
	c := New(0)
	if c.PageSize != DefaultPageSize || !c.HasMore {
		t.Fatalf("New(0) = %+v", c)
	}

	c.Advance(20)
	if c.Offset != 20 || !c.HasMore {
		t.Errorf("after full page: %+v", c)
	}
	if r := c.Range(); r.Offset != 20 || r.Limit != 20 {
		t.Errorf("Range() = %+v", r)
	}

	c.Advance(7)
	if c.Offset != 27 || c.HasMore {
		t.Errorf("after short page: %+v", c)
	}

	c.Reset()
	if c.Offset != 0 || !c.HasMore {
		t.Errorf("after Reset: %+v", c)
	}
}
