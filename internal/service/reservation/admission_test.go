package reservation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Comfie/property-crm-sub001/internal/common/apperror"
	"github.com/Comfie/property-crm-sub001/internal/model"
	"github.com/Comfie/property-crm-sub001/internal/repository"
	"github.com/Comfie/property-crm-sub001/internal/repository/memory"
	"github.com/aws/aws-xray-sdk-go/xray"
)

func TestService_Create(t *testing.T) {
	// X-Rayのセグメントを設定
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_Create")
	defer seg.Close(nil)

	t.Run("重複する期間は拒否され、隣接する期間は受け付けられる", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		existing, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if existing.Status != model.StatusConfirmed {
			t.Errorf("Status = %s, want %s", existing.Status, model.StatusConfirmed)
		}

		_, err = svc.Create(ctx, guestInput("2025-03-12", "2025-03-18"))
		if !errors.Is(err, apperror.ErrAvailabilityConflict) {
			t.Fatalf("Create() error = %v, want AvailabilityConflict", err)
		}
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Create() error = %T, want *model.ConflictError", err)
		}
		if conflict.Availability.Reason != model.ReasonOverlappingReservation {
			t.Errorf("Reason = %s, want %s", conflict.Availability.Reason, model.ReasonOverlappingReservation)
		}
		if len(conflict.Availability.Conflicts) != 1 || conflict.Availability.Conflicts[0].ID != existing.ID {
			t.Errorf("Conflicts = %+v, want [%s]", conflict.Availability.Conflicts, existing.ID)
		}

		if _, err := svc.Create(ctx, guestInput("2025-03-15", "2025-03-20")); err != nil {
			t.Errorf("Create() for back-to-back interval error = %v", err)
		}
	})

	t.Run("最小泊数に満たない場合は日程の重複と区別して拒否される", func(t *testing.T) {
		svc, _, properties, _ := newTestService(t)
		p := testProperty()
		p.MinimumStay = ptr(3)
		properties.Put(p)

		_, err := svc.Create(ctx, guestInput("2025-04-01", "2025-04-02"))
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Create() error = %v, want *model.ConflictError", err)
		}
		a := conflict.Availability
		if a.Reason != model.ReasonMinimumStay {
			t.Errorf("Reason = %s, want %s", a.Reason, model.ReasonMinimumStay)
		}
		if len(a.Conflicts) != 0 {
			t.Errorf("Conflicts = %d, want 0", len(a.Conflicts))
		}
		if a.Bound == nil || *a.Bound != 3 || a.Nights != 1 {
			t.Errorf("Bound = %v, Nights = %d, want 3 and 1", a.Bound, a.Nights)
		}
	})

	t.Run("料金は泊数と物件の料金設定から計算される", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		r, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-13"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if r.NumberOfNights != 3 {
			t.Errorf("NumberOfNights = %d, want 3", r.NumberOfNights)
		}
		if !r.ServiceFee.Equal(dec("150")) || !r.TotalAmount.Equal(dec("3350")) {
			t.Errorf("ServiceFee = %s, TotalAmount = %s, want 150 and 3350", r.ServiceFee, r.TotalAmount)
		}
		if !r.AmountDue.Equal(r.TotalAmount) || r.PaymentStatus != model.PaymentPending {
			t.Errorf("AmountDue = %s, PaymentStatus = %s", r.AmountDue, r.PaymentStatus)
		}
		if r.BookingReference == "" || r.ID == "" {
			t.Errorf("ID = %q, BookingReference = %q, want both set", r.ID, r.BookingReference)
		}
	})

	t.Run("明示した合計額が計算結果より優先される", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		input := guestInput("2025-03-10", "2025-03-13")
		input.TotalAmount = ptr(dec("2500"))

		r, err := svc.Create(ctx, input)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if !r.TotalAmount.Equal(dec("2500")) || !r.AmountDue.Equal(dec("2500")) {
			t.Errorf("TotalAmount = %s, AmountDue = %s, want 2500", r.TotalAmount, r.AmountDue)
		}
	})

	t.Run("キャンセルされた予約の期間は再び受け付けられる", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)

		first, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if _, _, err := svc.Cancel(ctx, first.ID, testOwnerID, "ゲスト都合"); err != nil {
			t.Fatalf("Cancel() error = %v", err)
		}
		if _, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15")); err != nil {
			t.Errorf("Create() after cancellation error = %v", err)
		}
	})

	t.Run("データベースの排他制約で拒否された場合も重複した予約を返す", func(t *testing.T) {
		store := memory.NewReservationStore()
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-15"))
		clock := &testClock{now: date("2025-03-01")}
		svc := NewService(blindRepository{store}, memory.NewPropertyStore(testProperty()), WithClock(clock.Now))

		_, err := svc.Create(ctx, guestInput("2025-03-12", "2025-03-18"))
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Create() error = %v, want *model.ConflictError", err)
		}
		if len(conflict.Availability.Conflicts) != 1 || conflict.Availability.Conflicts[0].ID != "r-1" {
			t.Errorf("Conflicts = %+v, want [r-1]", conflict.Availability.Conflicts)
		}
	})

	t.Run("予約番号が重複した場合は振り直して作成する", func(t *testing.T) {
		store := memory.NewReservationStore()
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-04-01", "2025-04-03"))
		clock := &testClock{now: date("2025-03-01")}
		references := []string{"BK-250301-r-1", "BK-250301-r-1", "BK-250301-NEW00001"}
		generated := 0
		gen := func(time.Time) string {
			ref := references[generated]
			generated++
			return ref
		}
		svc := NewService(store, memory.NewPropertyStore(testProperty()), WithClock(clock.Now), WithReferenceGenerator(gen))

		got, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if got.BookingReference != "BK-250301-NEW00001" || generated != 3 {
			t.Errorf("BookingReference = %s after %d attempts, want BK-250301-NEW00001 after 3", got.BookingReference, generated)
		}
		if n := len(store.All()); n != 2 {
			t.Errorf("stored reservations = %d, want 2", n)
		}
	})

	t.Run("予約番号の重複が続く場合は諦める", func(t *testing.T) {
		store := memory.NewReservationStore()
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-04-01", "2025-04-03"))
		clock := &testClock{now: date("2025-03-01")}
		gen := func(time.Time) string { return "BK-250301-r-1" }
		svc := NewService(store, memory.NewPropertyStore(testProperty()), WithClock(clock.Now), WithReferenceGenerator(gen))

		_, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
		if !errors.Is(err, repository.ErrDuplicateBookingReference) {
			t.Errorf("Create() error = %v, want ErrDuplicateBookingReference", err)
		}
	})

	t.Run("ストア障害はStoreUnavailableとして返す", func(t *testing.T) {
		svc, store, _, _ := newTestService(t)
		store.Fail(apperror.New(apperror.KindStoreUnavailable, "connection refused"))

		_, err := svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
		if !errors.Is(err, apperror.ErrStoreUnavailable) {
			t.Errorf("Create() error = %v, want StoreUnavailable", err)
		}
	})
}

func TestService_Create_InvalidInput(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_Create_InvalidInput")
	defer seg.Close(nil)

	tests := []struct {
		name     string
		modify   func(in *CreateInput)
		wantKind apperror.Kind
	}{
		{
			name:     "チェックアウトがチェックインより前",
			modify:   func(in *CreateInput) { in.CheckOut = date("2025-03-09") },
			wantKind: apperror.KindValidation,
		},
		{
			name:     "チェックインとチェックアウトが同じ",
			modify:   func(in *CreateInput) { in.CheckOut = in.CheckIn },
			wantKind: apperror.KindValidation,
		},
		{
			name: "チェックインが過去",
			modify: func(in *CreateInput) {
				in.CheckIn = date("2025-02-20")
				in.CheckOut = date("2025-02-25")
			},
			wantKind: apperror.KindValidation,
		},
		{
			name:     "宿泊人数が0",
			modify:   func(in *CreateInput) { in.NumberOfGuests = 0 },
			wantKind: apperror.KindValidation,
		},
		{
			name: "入居者もゲストも指定されていない",
			modify: func(in *CreateInput) {
				in.GuestName = nil
				in.TenantID = nil
			},
			wantKind: apperror.KindValidation,
		},
		{
			name:     "メールアドレスの形式が不正",
			modify:   func(in *CreateInput) { in.GuestEmail = ptr("not-an-email") },
			wantKind: apperror.KindValidation,
		},
		{
			name:     "明示した合計額が0",
			modify:   func(in *CreateInput) { in.TotalAmount = ptr(dec("0")) },
			wantKind: apperror.KindValidation,
		},
		{
			name:     "未知のチャネル",
			modify:   func(in *CreateInput) { in.Source = "EXPEDIA" },
			wantKind: apperror.KindValidation,
		},
		{
			name:     "存在しない物件",
			modify:   func(in *CreateInput) { in.PropertyID = "prop-unknown" },
			wantKind: apperror.KindNotFound,
		},
		{
			name:     "他のオーナーの物件",
			modify:   func(in *CreateInput) { in.OwnerID = "owner-2" },
			wantKind: apperror.KindForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store, _, _ := newTestService(t)
			input := guestInput("2025-03-10", "2025-03-15")
			tt.modify(&input)

			r, err := svc.Create(ctx, input)
			if err == nil {
				t.Fatalf("Create() = %+v, want error", r)
			}
			if kind := apperror.KindOf(err); kind != tt.wantKind {
				t.Errorf("KindOf(err) = %q, want %q (err: %v)", kind, tt.wantKind, err)
			}
			if n := len(store.All()); n != 0 {
				t.Errorf("stored reservations = %d, want 0", n)
			}
		})
	}

	t.Run("入居者のみの指定は受け付けられる", func(t *testing.T) {
		svc, _, _, _ := newTestService(t)
		input := guestInput("2025-03-10", "2025-03-15")
		input.GuestName = nil
		input.GuestEmail = nil
		input.TenantID = ptr("tenant-1")

		r, err := svc.Create(ctx, input)
		if err != nil {
			t.Fatalf("Create() error = %v", err)
		}
		if r.TenantID == nil || *r.TenantID != "tenant-1" {
			t.Errorf("TenantID = %v, want tenant-1", r.TenantID)
		}
	})
}

func TestService_Create_Concurrent(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_Create_Concurrent")
	defer seg.Close(nil)

	t.Run("同時に受け付けた重複する予約は1件だけ成功する", func(t *testing.T) {
		// 排他制約を無効にし、物件ロックだけで二重予約を防げることを確認する
		svc, store, _, _ := newTestService(t, memory.WithoutExclusion(), memory.WithReadDelay(20*time.Millisecond))

		const workers = 2
		var wg sync.WaitGroup
		start := make(chan struct{})
		errs := make([]error, workers)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				<-start
				_, errs[i] = svc.Create(ctx, guestInput("2025-03-10", "2025-03-15"))
			}(i)
		}
		close(start)
		wg.Wait()

		succeeded, conflicted := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, apperror.ErrAvailabilityConflict):
				conflicted++
			default:
				t.Errorf("unexpected error = %v", err)
			}
		}
		if succeeded != 1 || conflicted != 1 {
			t.Errorf("succeeded = %d, conflicted = %d, want 1 and 1", succeeded, conflicted)
		}
		if n := len(store.All()); n != 1 {
			t.Errorf("stored reservations = %d, want 1", n)
		}
		if n := store.UnlockedWrites(); n != 0 {
			t.Errorf("UnlockedWrites() = %d, want 0", n)
		}
	})

	t.Run("ロックなしの確認と書き込みは二重予約として検出される", func(t *testing.T) {
		store := memory.NewReservationStore(memory.WithoutExclusion())
		in := model.Interval{CheckIn: date("2025-03-10"), CheckOut: date("2025-03-15")}

		// 2件とも確認を終えてから書き込む、ロックを使わない実装の再現
		var read, wg sync.WaitGroup
		read.Add(2)
		for _, id := range []string{"r-1", "r-2"} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				conflicts, err := store.FindOverlapping(ctx, testPropertyID, in, "")
				read.Done()
				read.Wait()
				if err != nil || len(conflicts) > 0 {
					return
				}
				r := seeded(id, model.StatusConfirmed, "2025-03-10", "2025-03-15")
				_ = store.Create(ctx, &r)
			}(id)
		}
		wg.Wait()

		if n := len(store.All()); n != 2 {
			t.Fatalf("stored reservations = %d, want 2 (double booking reproduced)", n)
		}
		if n := store.UnlockedWrites(); n != 2 {
			t.Errorf("UnlockedWrites() = %d, want 2", n)
		}
	})
}

func TestService_CheckAvailability(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_CheckAvailability")
	defer seg.Close(nil)

	svc, store, properties, _ := newTestService(t)
	p := testProperty()
	p.MinimumStay = ptr(2)
	p.MaximumStay = ptr(7)
	properties.Put(p)
	store.Seed(
		seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-15"),
		seeded("r-2", model.StatusCancelled, "2025-03-20", "2025-03-25"),
		seeded("r-3", model.StatusNoShow, "2025-03-25", "2025-03-28"),
	)

	tests := []struct {
		name          string
		from, to      string
		excludeID     string
		wantAvailable bool
		wantReason    model.UnavailableReason
		wantConflicts []string
	}{
		{name: "空いている期間", from: "2025-03-15", to: "2025-03-18", wantAvailable: true},
		{name: "既存の予約と重複", from: "2025-03-14", to: "2025-03-17", wantReason: model.ReasonOverlappingReservation, wantConflicts: []string{"r-1"}},
		{name: "既存の予約を内包", from: "2025-03-09", to: "2025-03-16", wantReason: model.ReasonOverlappingReservation, wantConflicts: []string{"r-1"}},
		{name: "自分自身は除外される", from: "2025-03-11", to: "2025-03-16", excludeID: "r-1", wantAvailable: true},
		{name: "キャンセルと不泊は対象外", from: "2025-03-21", to: "2025-03-27", wantAvailable: true},
		{name: "最小泊数未満", from: "2025-03-16", to: "2025-03-17", wantReason: model.ReasonMinimumStay},
		{name: "最大泊数超過", from: "2025-04-01", to: "2025-04-10", wantReason: model.ReasonMaximumStay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := svc.CheckAvailability(ctx, testPropertyID, date(tt.from), date(tt.to), tt.excludeID)
			if err != nil {
				t.Fatalf("CheckAvailability() error = %v", err)
			}
			if got.Available != tt.wantAvailable || got.Reason != tt.wantReason {
				t.Errorf("CheckAvailability() = (%v, %q), want (%v, %q)", got.Available, got.Reason, tt.wantAvailable, tt.wantReason)
			}
			ids := make([]string, 0, len(got.Conflicts))
			for _, c := range got.Conflicts {
				ids = append(ids, c.ID)
			}
			if len(ids) != len(tt.wantConflicts) {
				t.Fatalf("Conflicts = %v, want %v", ids, tt.wantConflicts)
			}
			for i := range ids {
				if ids[i] != tt.wantConflicts[i] {
					t.Errorf("Conflicts[%d] = %s, want %s", i, ids[i], tt.wantConflicts[i])
				}
			}
		})
	}

	t.Run("過去のチェックインはValidation", func(t *testing.T) {
		_, err := svc.CheckAvailability(ctx, testPropertyID, date("2025-02-01"), date("2025-02-05"), "")
		if !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("CheckAvailability() error = %v, want Validation", err)
		}
	})

	t.Run("存在しない物件はNotFound", func(t *testing.T) {
		_, err := svc.CheckAvailability(ctx, "prop-unknown", date("2025-03-15"), date("2025-03-18"), "")
		if !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("CheckAvailability() error = %v, want NotFound", err)
		}
	})
}

func TestService_CalculatePricing(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newTestService(t)

	got, err := svc.CalculatePricing(ctx, testPropertyID, date("2025-03-10"), date("2025-03-13"))
	if err != nil {
		t.Fatalf("CalculatePricing() error = %v", err)
	}
	if got.Nights != 3 || !got.BaseAmount.Equal(dec("3000")) || !got.CleaningFee.Equal(dec("200")) ||
		!got.ServiceFee.Equal(dec("150")) || !got.TotalAmount.Equal(dec("3350")) {
		t.Errorf("CalculatePricing() = %+v, want 3 nights, 3000/200/150/3350", got)
	}

	if _, err := svc.CalculatePricing(ctx, testPropertyID, date("2025-03-13"), date("2025-03-10")); !errors.Is(err, apperror.ErrValidation) {
		t.Errorf("CalculatePricing() reversed interval error = %v, want Validation", err)
	}
}

func TestService_Update(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_Update")
	defer seg.Close(nil)

	t.Run("自分自身の旧日程とは衝突しない", func(t *testing.T) {
		svc, store, _, _ := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-15"))

		got, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{
			CheckIn:  ptr(date("2025-03-12")),
			CheckOut: ptr(date("2025-03-17")),
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got.NumberOfNights != 5 {
			t.Errorf("NumberOfNights = %d, want 5", got.NumberOfNights)
		}
		// 予約時の料金 1000/200 で再計算: 5000 + 200 + 250
		if !got.TotalAmount.Equal(dec("5450")) || !got.ServiceFee.Equal(dec("250")) {
			t.Errorf("TotalAmount = %s, ServiceFee = %s, want 5450 and 250", got.TotalAmount, got.ServiceFee)
		}
		if got.BookingReference != "BK-250301-r-1" {
			t.Errorf("BookingReference = %s, want unchanged", got.BookingReference)
		}
		if n := store.UnlockedWrites(); n != 0 {
			t.Errorf("UnlockedWrites() = %d, want 0", n)
		}
	})

	t.Run("物件の料金が変わっても予約時の料金で再計算する", func(t *testing.T) {
		svc, store, properties, _ := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"))
		p := testProperty()
		p.DailyRate = dec("2000")
		properties.Put(p)

		got, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckOut: ptr(date("2025-03-14"))})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !got.TotalAmount.Equal(dec("4400")) {
			t.Errorf("TotalAmount = %s, want 4400", got.TotalAmount)
		}
	})

	t.Run("他の予約と重複する日程変更は拒否される", func(t *testing.T) {
		svc, store, _, _ := newTestService(t)
		store.Seed(
			seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-15"),
			seeded("r-2", model.StatusConfirmed, "2025-03-20", "2025-03-25"),
		)

		_, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckOut: ptr(date("2025-03-21"))})
		var conflict *model.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("Update() error = %v, want *model.ConflictError", err)
		}
		if len(conflict.Availability.Conflicts) != 1 || conflict.Availability.Conflicts[0].ID != "r-2" {
			t.Errorf("Conflicts = %+v, want [r-2]", conflict.Availability.Conflicts)
		}

		current, _ := store.GetByID(ctx, "r-1")
		if !current.CheckOut.Equal(date("2025-03-15")) {
			t.Errorf("CheckOut = %s, want unchanged", current.CheckOut)
		}
	})

	t.Run("チェックアウトのみの変更には過去日の制約を適用しない", func(t *testing.T) {
		svc, store, _, clock := newTestService(t)
		store.Seed(seeded("r-1", model.StatusCheckedIn, "2025-03-10", "2025-03-15"))
		clock.now = date("2025-03-12")

		if _, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckOut: ptr(date("2025-03-16"))}); err != nil {
			t.Errorf("Update() extending stay error = %v", err)
		}
		_, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckIn: ptr(date("2025-03-11"))})
		if !errors.Is(err, apperror.ErrValidation) {
			t.Errorf("Update() moving check-in into the past error = %v, want Validation", err)
		}
	})

	t.Run("明示した合計額は再計算より優先される", func(t *testing.T) {
		svc, store, _, _ := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"))

		got, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{
			CheckOut:    ptr(date("2025-03-15")),
			TotalAmount: ptr(dec("4000")),
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !got.TotalAmount.Equal(dec("4000")) {
			t.Errorf("TotalAmount = %s, want 4000", got.TotalAmount)
		}
	})

	t.Run("日程以外の変更はそのまま反映される", func(t *testing.T) {
		svc, store, _, _ := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"))

		got, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{
			Notes:          ptr("アーリーチェックイン希望"),
			NumberOfGuests: ptr(3),
		})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if got.Notes == nil || *got.Notes != "アーリーチェックイン希望" || got.NumberOfGuests != 3 {
			t.Errorf("Update() = %+v", got)
		}
		if !got.TotalAmount.Equal(dec("3350")) {
			t.Errorf("TotalAmount = %s, want unchanged 3350", got.TotalAmount)
		}
	})

	t.Run("不正な更新はエラーになる", func(t *testing.T) {
		tests := []struct {
			name     string
			ownerID  string
			id       string
			patch    model.ReservationPatch
			wantKind apperror.Kind
		}{
			{name: "存在しない予約", ownerID: testOwnerID, id: "r-unknown", patch: model.ReservationPatch{Notes: ptr("x")}, wantKind: apperror.KindNotFound},
			{name: "他のオーナーの予約", ownerID: "owner-2", id: "r-1", patch: model.ReservationPatch{Notes: ptr("x")}, wantKind: apperror.KindForbidden},
			{name: "宿泊人数が0", ownerID: testOwnerID, id: "r-1", patch: model.ReservationPatch{NumberOfGuests: ptr(0)}, wantKind: apperror.KindValidation},
			{name: "日程の逆転", ownerID: testOwnerID, id: "r-1", patch: model.ReservationPatch{CheckOut: ptr(date("2025-03-09"))}, wantKind: apperror.KindValidation},
			{name: "支払済額を下回る合計額", ownerID: testOwnerID, id: "r-paid", patch: model.ReservationPatch{TotalAmount: ptr(dec("1000"))}, wantKind: apperror.KindValidation},
			{name: "キャンセル済みの日程変更", ownerID: testOwnerID, id: "r-cancelled", patch: model.ReservationPatch{CheckOut: ptr(date("2025-04-12"))}, wantKind: apperror.KindValidation},
			{name: "最小泊数未満への短縮", ownerID: testOwnerID, id: "r-long", patch: model.ReservationPatch{CheckOut: ptr(date("2025-05-02"))}, wantKind: apperror.KindAvailabilityConflict},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				svc, store, properties, _ := newTestService(t)
				p := testProperty()
				p.MinimumStay = ptr(2)
				properties.Put(p)

				paid := seeded("r-paid", model.StatusConfirmed, "2025-03-20", "2025-03-23")
				paid.SetAmounts(dec("3350"), dec("2000"))
				store.Seed(
					seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"),
					paid,
					seeded("r-cancelled", model.StatusCancelled, "2025-04-10", "2025-04-11"),
					seeded("r-long", model.StatusConfirmed, "2025-05-01", "2025-05-05"),
				)

				_, err := svc.Update(ctx, tt.id, tt.ownerID, tt.patch)
				if kind := apperror.KindOf(err); kind != tt.wantKind {
					t.Errorf("KindOf(err) = %q, want %q (err: %v)", kind, tt.wantKind, err)
				}
			})
		}
	})
}

func TestService_Update_Interleaved(t *testing.T) {
	ctx, seg := xray.BeginSegment(context.Background(), "TestService_Update_Interleaved")
	defer seg.Close(nil)

	t.Run("読み込み後の入金を考慮して合計額の変更を拒否する", func(t *testing.T) {
		svc, store, properties, clock := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"))
		other := NewService(store, properties, WithClock(clock.Now))

		repo := &interleavingRepository{ReservationStore: store, interleave: func() {
			if _, err := other.RecordPayment(ctx, "r-1", testOwnerID, dec("3000")); err != nil {
				t.Errorf("RecordPayment() error = %v", err)
			}
		}}
		svc = NewService(repo, properties, WithClock(clock.Now))

		_, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{TotalAmount: ptr(dec("1000"))})
		if !errors.Is(err, apperror.ErrValidation) {
			t.Fatalf("Update() error = %v, want Validation", err)
		}

		got, _ := store.GetByID(ctx, "r-1")
		if !got.TotalAmount.Equal(dec("3350")) || !got.AmountPaid.Equal(dec("3000")) || !got.AmountDue.Equal(dec("350")) {
			t.Errorf("total = %s, paid = %s, due = %s, want 3350/3000/350", got.TotalAmount, got.AmountPaid, got.AmountDue)
		}
		if got.PaymentStatus != model.PaymentPartiallyPaid {
			t.Errorf("PaymentStatus = %s, want %s", got.PaymentStatus, model.PaymentPartiallyPaid)
		}
	})

	t.Run("読み込み後のチェックイン変更を反映して再計算する", func(t *testing.T) {
		svc, store, properties, clock := newTestService(t)
		store.Seed(seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"))
		other := NewService(store, properties, WithClock(clock.Now))

		repo := &interleavingRepository{ReservationStore: store, interleave: func() {
			if _, err := other.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckIn: ptr(date("2025-03-12"))}); err != nil {
				t.Errorf("Update() moving check-in error = %v", err)
			}
		}}
		svc = NewService(repo, properties, WithClock(clock.Now))

		got, err := svc.Update(ctx, "r-1", testOwnerID, model.ReservationPatch{CheckOut: ptr(date("2025-03-14"))})
		if err != nil {
			t.Fatalf("Update() error = %v", err)
		}
		if !got.CheckIn.Equal(date("2025-03-12")) || !got.CheckOut.Equal(date("2025-03-14")) {
			t.Errorf("interval = [%s, %s), want [2025-03-12, 2025-03-14)", got.CheckIn, got.CheckOut)
		}
		// 2泊: 2000 + 200 + 100
		if got.NumberOfNights != 2 || !got.TotalAmount.Equal(dec("2300")) {
			t.Errorf("NumberOfNights = %d, TotalAmount = %s, want 2 and 2300", got.NumberOfNights, got.TotalAmount)
		}
		if !got.UpdatedAt.Equal(clock.now) {
			t.Errorf("UpdatedAt = %s, want %s", got.UpdatedAt, clock.now)
		}
	})
}

func TestService_ReadAndDelete(t *testing.T) {
	ctx := context.Background()
	svc, store, _, _ := newTestService(t)
	external := seeded("r-2", model.StatusConfirmed, "2025-03-20", "2025-03-22")
	external.Source = model.SourceAirbnb
	external.ExternalID = ptr("HM123")
	store.Seed(
		seeded("r-1", model.StatusConfirmed, "2025-03-10", "2025-03-13"),
		external,
		seeded("r-3", model.StatusCancelled, "2025-03-15", "2025-03-17"),
	)

	t.Run("有効な予約のみを一覧する", func(t *testing.T) {
		got, err := svc.ListByProperty(ctx, testPropertyID, testOwnerID, true)
		if err != nil {
			t.Fatalf("ListByProperty() error = %v", err)
		}
		if len(got) != 2 || got[0].ID != "r-1" || got[1].ID != "r-2" {
			t.Errorf("ListByProperty() = %+v, want [r-1 r-2]", got)
		}
		all, _ := svc.ListByProperty(ctx, testPropertyID, testOwnerID, false)
		if len(all) != 3 {
			t.Errorf("ListByProperty(all) = %d, want 3", len(all))
		}
	})

	t.Run("他のオーナーは一覧できない", func(t *testing.T) {
		if _, err := svc.ListByProperty(ctx, testPropertyID, "owner-2", false); !errors.Is(err, apperror.ErrForbidden) {
			t.Errorf("ListByProperty() error = %v, want Forbidden", err)
		}
	})

	t.Run("外部IDで検索する", func(t *testing.T) {
		got, err := svc.FindByExternalID(ctx, testPropertyID, testOwnerID, model.SourceAirbnb, "HM123")
		if err != nil || got == nil || got.ID != "r-2" {
			t.Errorf("FindByExternalID() = %v, %v, want r-2", got, err)
		}
		missing, err := svc.FindByExternalID(ctx, testPropertyID, testOwnerID, model.SourceVrbo, "HM123")
		if err != nil || missing != nil {
			t.Errorf("FindByExternalID() for other source = %v, %v, want nil", missing, err)
		}
	})

	t.Run("削除後はNotFound", func(t *testing.T) {
		if err := svc.Delete(ctx, "r-1", "owner-2"); !errors.Is(err, apperror.ErrForbidden) {
			t.Errorf("Delete() by other owner error = %v, want Forbidden", err)
		}
		if err := svc.Delete(ctx, "r-1", testOwnerID); err != nil {
			t.Fatalf("Delete() error = %v", err)
		}
		if _, err := svc.Get(ctx, "r-1", testOwnerID); !errors.Is(err, apperror.ErrNotFound) {
			t.Errorf("Get() error = %v, want NotFound", err)
		}
	})
}

// blindRepository はロック内の重複検索が何も返さないリポジトリです
// 確認をすり抜けた書き込みがデータベースの排他制約で拒否される状況を再現します
type blindRepository struct {
	*memory.ReservationStore
}

func (r blindRepository) WithPropertyLock(ctx context.Context, propertyID string, fn func(ctx context.Context, store repository.ReservationStore) error) error {
	return r.ReservationStore.WithPropertyLock(ctx, propertyID, func(ctx context.Context, store repository.ReservationStore) error {
		return fn(ctx, blindStore{store})
	})
}

type blindStore struct {
	repository.ReservationStore
}

func (blindStore) FindOverlapping(context.Context, string, model.Interval, string) ([]model.Reservation, error) {
	return nil, nil
}

// interleavingRepository は最初の GetByID の直後に別の操作を割り込ませるリポジトリです
// 物件ロックの外で読み込んだ予約が、ロックを取得するまでに変更される状況を再現します
type interleavingRepository struct {
	*memory.ReservationStore
	once       sync.Once
	interleave func()
}

func (r *interleavingRepository) GetByID(ctx context.Context, id string) (*model.Reservation, error) {
	got, err := r.ReservationStore.GetByID(ctx, id)
	r.once.Do(r.interleave)
	return got, err
}
