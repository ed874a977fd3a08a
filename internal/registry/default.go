package registry

func scalar(path string) ReferencePath {
	return ReferencePath{Path: path, Shape: Scalar}
}

// DefaultCollections is the reference map of the membership platform.
func DefaultCollections() []Collection {
	return []Collection{
		{Name: "reservations", Paths: []ReferencePath{scalar("memberId")}, NotifyCounter: "reservations"},
		{Name: "walletTransactions", Paths: []ReferencePath{scalar("memberId")}},
		{Name: "chargeOrders", Paths: []ReferencePath{scalar("memberId")}},
		{Name: "couponGrants", Paths: []ReferencePath{scalar("memberId")}},
		{Name: "checkIns", Paths: []ReferencePath{scalar("memberId")}},
		{Name: "activityRegistrations", Paths: []ReferencePath{scalar("memberId")}},
		{Name: "profileHistory", Paths: []ReferencePath{scalar("memberId")}},
		{
			Name:      "memberExtras",
			Paths:     []ReferencePath{scalar("_id")},
			Cascade:   DeleteByID,
			Report:    []string{"avatarUnlocks", "titleUnlocks", "backgroundUnlocks"},
			ReportKey: "unlockEntries",
		},
		{Name: "memberPveProfiles", Paths: []ReferencePath{scalar("_id")}, Cascade: DeleteByID},
		{Name: "memberDerivedProfiles", Paths: []ReferencePath{scalar("_id")}, Cascade: DeleteByID},
		{Name: "mentorships", Paths: []ReferencePath{scalar("mentorId"), scalar("menteeId")}},
		{Name: "giftTransfers", Paths: []ReferencePath{scalar("senderId"), scalar("receiverId")}},
		{Name: "memberNotifications", Paths: []ReferencePath{scalar("memberId"), scalar("actorId")}},
		{
			Name:       "teamRosters",
			SummaryKey: "teamRosterMembers",
			Paths:      []ReferencePath{{Path: "memberIds", Shape: ScalarList}},
			Cascade:    PruneEntries,
		},
		{
			Name:       "leaderboards",
			SummaryKey: "leaderboardEntries",
			Paths:      []ReferencePath{{Path: "entries", Shape: ObjectList, Key: "memberId"}},
			Cascade:    PruneEntries,
		},
	}
}

// Default returns the built-in registry.
func Default() *Registry {
	r, err := New(DefaultMemberCollection, DefaultCollections())
	if err != nil {
		panic(err)
	}
	return r
}
