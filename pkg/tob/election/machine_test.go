package election

import (
	"testing"

	"github.com/jabolina/go-tob/pkg/tob/types"
)

func cluster() types.ClusterConfiguration {
	return types.ClusterConfiguration{NodeIDs: []types.NodeID{2, 3, 10}}
}

func TestBeginCampaignComputesEpochAndHigherTargets(t *testing.T) {
	m := NewMachine(3, cluster(), 0)
	epoch, targets := m.BeginCampaign(0)
	if epoch != 1 {
		t.Fatalf("expected epoch 1, got %d", epoch)
	}
	if len(targets) != 1 || targets[0] != 10 {
		t.Fatalf("expected only peer 10 as target, got %v", targets)
	}
	if m.State() != Campaigning {
		t.Fatalf("expected Campaigning, got %s", m.State())
	}
}

func TestNoAnswerWithinTimeoutBecomesLeader(t *testing.T) {
	m := NewMachine(10, cluster(), 0)
	epoch, targets := m.BeginCampaign(0)
	if len(targets) != 0 {
		t.Fatalf("highest id peer has no higher targets, got %v", targets)
	}
	became, leaderEpoch := m.OnElectionTimeoutExpired()
	if !became || leaderEpoch != epoch {
		t.Fatalf("expected to become leader at epoch %d, got became=%v epoch=%d", epoch, became, leaderEpoch)
	}
	if m.State() != Leader {
		t.Fatalf("expected Leader, got %s", m.State())
	}
}

func TestAnswerThenCoordinatorAdoptsLeader(t *testing.T) {
	m := NewMachine(3, cluster(), 0)
	epoch, _ := m.BeginCampaign(0)
	if !m.OnAnswer(epoch) {
		t.Fatal("expected the answer at the campaign epoch to be accepted")
	}
	if m.State() != AwaitingCoronation {
		t.Fatalf("expected AwaitingCoronation, got %s", m.State())
	}
	if !m.OnCoordinator(epoch) {
		t.Fatal("expected the coordinator to be adopted")
	}
	if m.State() != Stable {
		t.Fatalf("expected Stable after adopting a coordinator, got %s", m.State())
	}
}

func TestCoordinatorTimeoutRestartsCampaignAtIncrementedEpoch(t *testing.T) {
	m := NewMachine(3, cluster(), 0)
	epoch, _ := m.BeginCampaign(0)
	m.OnAnswer(epoch)
	if !m.OnCoordinatorTimeoutExpired() {
		t.Fatal("expected a restart signal while AwaitingCoronation")
	}
	next, _ := m.BeginCampaign(0)
	if next != epoch+1 {
		t.Fatalf("expected restart epoch %d, got %d", epoch+1, next)
	}
}

func TestCoordinatorAtOrAboveSelfEpochStepsDownLeader(t *testing.T) {
	m := NewMachine(3, cluster(), 0)
	epoch, _ := m.BeginCampaign(0)
	m.OnElectionTimeoutExpired() // pretend no higher peers answered
	if m.State() != Leader {
		t.Fatalf("setup: expected Leader, got %s", m.State())
	}
	if !m.OnCoordinator(epoch + 1) {
		t.Fatal("a higher epoch coordinator must be adopted even while Leader")
	}
	if m.State() != Stable {
		t.Fatalf("expected step-down to Stable, got %s", m.State())
	}
}

func TestCoordinatorBelowCurrentEpochIsIgnored(t *testing.T) {
	m := NewMachine(10, cluster(), 5)
	if m.OnCoordinator(3) {
		t.Fatal("a stale-epoch coordinator must not be adopted")
	}
	if m.Epoch() != 5 {
		t.Fatalf("epoch must be unchanged, got %d", m.Epoch())
	}
}

func TestOnElectionOnlyReactsWhenSelfIDIsHigher(t *testing.T) {
	m := NewMachine(3, cluster(), 0)

	answer, campaign := m.OnElection(10, 1)
	if answer || campaign {
		t.Fatal("an ELECTION from a higher-id candidate must be ignored")
	}

	answer, campaign = m.OnElection(2, 1)
	if !answer || !campaign {
		t.Fatal("self (3) outranks candidate 2: must answer and campaign")
	}
}

func TestOnElectionDoesNotRestartAnAlreadyCampaigningAttempt(t *testing.T) {
	m := NewMachine(3, cluster(), 0)
	epoch, _ := m.BeginCampaign(0)

	_, campaign := m.OnElection(2, epoch)
	if campaign {
		t.Fatal("already campaigning at >= e' must not restart the campaign")
	}

	_, campaign = m.OnElection(2, epoch+1)
	if !campaign {
		t.Fatal("a higher campaign epoch observed from elsewhere must trigger a fresh campaign")
	}
}
